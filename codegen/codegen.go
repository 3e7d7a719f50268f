// Package codegen emits Go source for finished TBS templates so firmware
// build pipelines can link the sanitized buffer and its param table without
// running any generation at build time.
package codegen

import (
	"bytes"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/hwsec-tools/tbsgen/tbs"
)

const fileTemplate = `// Code generated by tbsgen. DO NOT EDIT.

package {{.Package}}

// {{.Name}}Tbs is the to-be-signed template for {{.Name}}. Every dynamic
// range listed in {{.Name}}TbsParams is zeroed; all other bytes are fixed.
// The consumer patches each param's true value at its offset and signs the
// result itself.
var {{.Name}}Tbs = []byte{
{{.Bytes}}}

// {{.Name}}TbsParams locates the dynamic fields inside {{.Name}}Tbs, in
// declaration order.
var {{.Name}}TbsParams = []struct {
	Name   string
	Offset int
	Len    int
}{
{{- range .Params}}
	{Name: {{printf "%q" .Name}}, Offset: {{.Offset}}, Len: {{.Len}}},
{{- end}}
}
`

var tpl = template.Must(template.New("tbs").Parse(fileTemplate))

// Generate renders the Go source for a template. name must be a valid
// exported Go identifier prefix, e.g. "LDevIdCsr".
func Generate(pkg, name string, t *tbs.Template) ([]byte, error) {
	if pkg == "" || name == "" {
		return nil, fmt.Errorf("codegen: package and template name must be non-empty")
	}

	var buf bytes.Buffer
	err := tpl.Execute(&buf, struct {
		Package string
		Name    string
		Bytes   string
		Params  []tbs.Param
	}{
		Package: pkg,
		Name:    name,
		Bytes:   formatBytes(t.Bytes()),
		Params:  t.Params(),
	})
	if err != nil {
		return nil, fmt.Errorf("codegen: rendering %s: %w", name, err)
	}

	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("codegen: formatting %s: %w", name, err)
	}
	return src, nil
}

// WriteFile renders the template and writes it to dir as a snake_case .go
// file named after the template.
func WriteFile(dir, pkg, name string, t *tbs.Template) (string, error) {
	src, err := Generate(pkg, name, t)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, snakeCase(name)+".go")
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return "", fmt.Errorf("codegen: writing %s: %w", path, err)
	}
	return path, nil
}

func formatBytes(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i%12 == 0 {
			sb.WriteString("\t")
		}
		fmt.Fprintf(&sb, "0x%02x,", v)
		if i%12 == 11 {
			sb.WriteString("\n")
		} else {
			sb.WriteString(" ")
		}
	}
	if len(b)%12 != 0 {
		sb.WriteString("\n")
	}
	return sb.String()
}

func snakeCase(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r - 'A' + 'a')
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
