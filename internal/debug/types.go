package debug

// Stage names the artifact a dump was taken from.
type Stage string

const (
	StageStackless Stage = "stackless"
	StageBorrows   Stage = "borrows"
	StageAnnotated Stage = "annotated"
	StageSourceMap Stage = "source map"
	StageQuery     Stage = "query"
	StageResult    Stage = "result"
)

// Dump is one rendered artifact of one function.
type Dump struct {
	Function string
	Stage    Stage
	Title    string // distinguishes several dumps of a stage, e.g. query parts
	Text     string
}
