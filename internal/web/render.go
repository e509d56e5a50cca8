// Package web renders the status dashboard.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/connexions/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once  sync.Once
	tmpl  *template.Template
	funcs = template.FuncMap{
		"bytes": humanBytes,
		"age":   age,
	}
)

func load() {
	tmpl = template.Must(template.New("root").Funcs(funcs).ParseFS(tmplFS, "templates/*.html"))
}

// Render executes the named template with data plus Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return err
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// age formats the time since t, rounded to the second.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
