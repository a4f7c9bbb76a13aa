package ir

// Config represents the top-level set of resource declarations.
type Config struct {
	Resources []*Resource    `pkl:"resources"`
	Outputs   map[string]any `pkl:"outputs"`
	Backend   *Backend       `pkl:"backend"`
}

// Backend selects where state is persisted. Nil means a local file under
// the project directory.
type Backend struct {
	Type   string            `pkl:"type"` // "local", "s3"
	Config map[string]string `pkl:"config"`
}
