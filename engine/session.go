package engine

// Value is any JSON-compatible value: nil, bool, float64, string, []any or map[string]any.
type Value = any

// Vars binds statement parameters by name, without the leading '$'.
type Vars map[string]Value

// Session scopes statement execution: which namespace and database are used,
// who is executing, and default parameter values.
type Session struct {
	Namespace string            `json:"ns,omitempty" yaml:"namespace"`
	Database  string            `json:"db,omitempty" yaml:"database"`
	Auth      string            `json:"auth,omitempty" yaml:"auth"`
	Origin    string            `json:"origin,omitempty" yaml:"origin"`
	Params    map[string]string `json:"params,omitempty" yaml:"params"`
}

// NewSession returns a session scoped to the given namespace and database.
func NewSession(namespace, database string) Session {
	return Session{Namespace: namespace, Database: database}
}

// Clone returns a deep copy; the copy shares no mutable state with s.
func (s Session) Clone() Session {
	c := s
	if s.Params != nil {
		c.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	return c
}
