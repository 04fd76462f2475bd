package api

import (
	_ "embed"
	"net/http"

	yaml "gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

// OpenAPIHandler serves the OpenAPI spec as YAML.
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIYAML)
}

// OpenAPIJSONHandler serves the OpenAPI document converted to JSON for
// tooling that does not read YAML.
func (s *Server) OpenAPIJSONHandler(w http.ResponseWriter, r *http.Request) {
	var obj map[string]any
	if err := yaml.Unmarshal(openAPIYAML, &obj); err != nil {
		writeProblem(w, http.StatusInternalServerError, "OpenAPI parse failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

// DocsHandler serves a minimal ReDoc page referencing /openapi.yaml
func (s *Server) DocsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>API Docs</title>
	<meta charset="utf-8"/>
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<script src="https://cdn.jsdelivr.net/npm/redoc@next/bundles/redoc.standalone.js"></script>
	</head><body>
	<redoc spec-url="/openapi.yaml"></redoc>
	</body></html>`))
}
