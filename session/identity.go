package session

// Identity describes the client side of a login. Group joins sessions of one
// client process that share a heartbeat; 0 means the session is judged on
// its own.
type Identity struct {
	User        string            `json:"user"`
	Password    string            `json:"password,omitempty"`
	Host        string            `json:"host,omitempty"`
	Application string            `json:"application,omitempty"`
	Group       int64             `json:"group,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Sanitized returns a copy without the password, safe to keep and log.
func (id Identity) Sanitized() Identity {
	out := id
	out.Password = ""
	if id.Attributes != nil {
		out.Attributes = make(map[string]string, len(id.Attributes))
		for k, v := range id.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
