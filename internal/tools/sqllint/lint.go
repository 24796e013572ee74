package main

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gentrack/internal/infra"
)

var statementPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with|create)\b`)

type violation struct {
	file    string
	line    int
	name    string
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

type linter struct {
	fset       *token.FileSet
	markers    map[string]string
	violations []violation
}

func newLinter() *linter {
	return &linter{fset: token.NewFileSet(), markers: make(map[string]string)}
}

func (l *linter) lintPath(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if filepath.Ext(target) != ".go" {
			return nil
		}
		return l.lintFile(target)
	}
	return filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		return l.lintFile(path)
	})
}

func (l *linter) lintFile(path string) error {
	file, err := parser.ParseFile(l.fset, path, nil, parser.ParseComments)
	if err != nil {
		return err
	}
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil || !statementPattern.MatchString(raw) {
				continue
			}
			l.check(path, bl.Pos(), specName(vs, i), raw)
		}
		return true
	})
	return nil
}

func (l *linter) check(path string, pos token.Pos, name, query string) {
	at := l.fset.Position(pos)
	marker, _, err := infra.ExtractMarker(query)
	if err != nil {
		l.violations = append(l.violations, violation{file: path, line: at.Line, name: name, message: "missing or invalid --sql <uuid> marker"})
		return
	}
	if prev, dup := l.markers[marker]; dup {
		l.violations = append(l.violations, violation{file: path, line: at.Line, name: name, message: "marker already used by " + prev})
		return
	}
	l.markers[marker] = name
}

func unquote(v string) (string, error) {
	if len(v) >= 2 && v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

func specName(vs *ast.ValueSpec, i int) string {
	if i < len(vs.Names) && vs.Names[i] != nil {
		return vs.Names[i].Name
	}
	return "_"
}
