package bytecode

import (
	"fmt"
	"os"
	"path"
	"sort"

	"golang.org/x/tools/txtar"
)

// Bundle is a loaded dependency closure together with its raw spec blocks.
type Bundle struct {
	Program *Program
	Specs   []SpecBlock
}

// LoadArchive parses every *.mvasm file of a txtar archive as one module.
// Other archive members are ignored.
func LoadArchive(ar *txtar.Archive) (*Bundle, error) {
	files := make([]txtar.File, 0, len(ar.Files))
	for _, f := range ar.Files {
		if path.Ext(f.Name) == ".mvasm" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("archive contains no .mvasm modules")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var (
		modules []*Module
		specs   []SpecBlock
	)
	for _, f := range files {
		m, s, err := Parse(f.Name, f.Data)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
		specs = append(specs, s...)
	}
	prog, err := NewProgram(modules...)
	if err != nil {
		return nil, err
	}
	return &Bundle{Program: prog, Specs: specs}, nil
}

// LoadArchiveFile reads and parses a txtar archive from disk.
func LoadArchiveFile(filename string) (*Bundle, error) {
	ar, err := txtar.ParseFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return LoadArchive(ar)
}

// LoadFiles parses standalone assembly files into one bundle.
func LoadFiles(filenames ...string) (*Bundle, error) {
	ar := &txtar.Archive{}
	for _, name := range filenames {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		if path.Ext(name) == ".txtar" {
			sub := txtar.Parse(data)
			ar.Files = append(ar.Files, sub.Files...)
			continue
		}
		ar.Files = append(ar.Files, txtar.File{Name: name, Data: data})
	}
	return LoadArchive(ar)
}
