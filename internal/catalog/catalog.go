// Package catalog holds the read-only capability catalogs served by the
// gateway (tools, resources, prompts) and the built-in handlers that expose
// them over JSON-RPC.
package catalog

import (
	"fmt"
	"strings"
)

// Tool describes one invocable tool.
type Tool struct {
	Description string         `json:"description" yaml:"description" toml:"description"`
	InputSchema map[string]any `json:"inputSchema" yaml:"input_schema" toml:"input_schema"`
}

// Resource describes one readable resource. A URI containing a {placeholder}
// is a template matched by prefix.
type Resource struct {
	URI         string `json:"uri" yaml:"uri" toml:"uri"`
	Description string `json:"description" yaml:"description" toml:"description"`
	Type        string `json:"type" yaml:"type" toml:"type"`
	// Text is the content returned by resources/read. For templates, {id}
	// is replaced with the matched URI suffix.
	Text string `json:"-" yaml:"text" toml:"text"`
}

// Prompt describes one prompt template.
type Prompt struct {
	Description string `json:"description" yaml:"description" toml:"description"`
	Template    string `json:"template" yaml:"template" toml:"template"`
}

// Catalog is the full set of capabilities advertised at startup.
type Catalog struct {
	Tools     map[string]Tool     `yaml:"tools" toml:"tools"`
	Resources map[string]Resource `yaml:"resources" toml:"resources"`
	Prompts   map[string]Prompt   `yaml:"prompts" toml:"prompts"`
}

// Default returns the catalog served when no catalog is configured.
func Default() Catalog {
	return Catalog{
		Tools: map[string]Tool{
			"get_weather": {
				Description: "Get the current weather in a given location",
				InputSchema: objectSchema(map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "The city and state, e.g. San Francisco, CA",
					},
				}, "location"),
			},
			"echo_input": {
				Description: "Echoes the provided message back to every listener",
				InputSchema: objectSchema(map[string]any{
					"message": map[string]any{"type": "string"},
				}),
			},
			"crash_me": {
				Description: "Rejects non-integer input with a typed error",
				InputSchema: objectSchema(map[string]any{
					"code": map[string]any{"type": "integer"},
				}),
			},
		},
		Resources: map[string]Resource{
			"user_data": {
				URI:         "file:///etc/passwd",
				Description: "A sample file resource URI.",
				Type:        "text/plain",
				Text:        "root:x:0:0:root:/root:/bin/bash\nuser:x:1000:1000:...",
			},
			"secure_logs_template": {
				URI:         "file:///logs/{id}",
				Description: "Log entries addressed by id",
				Type:        "text/plain",
				Text:        "Confidential Log Entry #{id}: System crashed at...",
			},
			"latest_log": {
				URI:         "file:///logs/100",
				Description: "The most recent log file.",
				Type:        "text/plain",
			},
		},
		Prompts: map[string]Prompt{
			"summarize_text": {
				Description: "Summarize the provided text.",
				Template:    "Please summarize the following text: {text}",
			},
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Validate checks that every resource has a URI and every prompt a template.
func (c Catalog) Validate() error {
	for name, r := range c.Resources {
		if r.URI == "" {
			return fmt.Errorf("resource %q: uri is required", name)
		}
	}
	for name, p := range c.Prompts {
		if p.Template == "" {
			return fmt.Errorf("prompt %q: template is required", name)
		}
	}
	return nil
}

// Content is one entry of a resources/read result.
type Content struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Read resolves uri against the resources. Exact URIs win over templates;
// among templates the longest prefix wins.
func (c Catalog) Read(uri string) (Content, bool) {
	var template *Resource
	prefixLen := -1

	for _, r := range c.Resources {
		if r.URI == uri && !isTemplate(r.URI) {
			if r.Text != "" {
				return Content{URI: uri, MimeType: r.Type, Text: r.Text}, true
			}
			continue
		}
		if !isTemplate(r.URI) {
			continue
		}
		prefix := r.URI[:strings.Index(r.URI, "{")]
		if strings.HasPrefix(uri, prefix) && len(uri) > len(prefix) && len(prefix) > prefixLen {
			res := r
			template = &res
			prefixLen = len(prefix)
		}
	}

	if template == nil {
		return Content{}, false
	}
	id := uri[prefixLen:]
	text := strings.ReplaceAll(template.Text, "{id}", id)
	return Content{URI: uri, MimeType: template.Type, Text: text}, true
}

func isTemplate(uri string) bool {
	open := strings.Index(uri, "{")
	return open >= 0 && strings.Contains(uri[open:], "}")
}

// Render fills a prompt template with the given arguments.
func (p Prompt) Render(args map[string]string) string {
	if len(args) == 0 {
		return p.Template
	}
	pairs := make([]string, 0, 2*len(args))
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	// A single pass never rescans substituted values.
	return strings.NewReplacer(pairs...).Replace(p.Template)
}
