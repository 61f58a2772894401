package capability

import (
	"bytes"
	"text/template"
)

// Templates renders Go text/template sources.  A reference to a
// variable that was not bound fails the render.
type Templates struct{}

func (Templates) Render(source []byte, vars map[string]interface{}) ([]byte, error) {
	tmpl, err := template.New("template").Option("missingkey=error").Parse(string(source))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
