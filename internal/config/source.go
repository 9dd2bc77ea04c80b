package config

// Source yields a freshly loaded configuration on every call.
type Source interface {
	Load() (*Config, error)
}

// FileSource re-reads the configuration file at Path on each Load.
type FileSource struct {
	Path string
}

func (s FileSource) Load() (*Config, error) {
	return Load(s.Path)
}

// String returns the file path, used in admin alerts.
func (s FileSource) String() string {
	return s.Path
}
