// Package transport produces the client and server sockets for the four wire
// treatments a remotedb endpoint can speak: plain, compressed, encrypted (TLS)
// and compressed over encrypted.
package transport

import (
	"fmt"
	"strings"
)

// Kind is one of the four well-known wire treatments.
type Kind int

const (
	Plain Kind = iota
	Compressed
	Encrypted
	CompressedEncrypted
)

// Kinds lists the well-known treatments in port-plan order.
var Kinds = [...]Kind{Plain, Compressed, Encrypted, CompressedEncrypted}

// String returns the configuration name of the treatment.
func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Compressed:
		return "compressed"
	case Encrypted:
		return "ssl"
	case CompressedEncrypted:
		return "compressed+ssl"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the four well-known treatments.
func (k Kind) Valid() bool {
	return k >= Plain && k <= CompressedEncrypted
}

// IsCompressed reports whether k compresses the stream.
func (k Kind) IsCompressed() bool {
	return k == Compressed || k == CompressedEncrypted
}

// IsEncrypted reports whether k runs over TLS.
func (k Kind) IsEncrypted() bool {
	return k == Encrypted || k == CompressedEncrypted
}

// KindFor maps the compressed/ssl configuration booleans to a Kind.
func KindFor(compressed, encrypted bool) Kind {
	switch {
	case compressed && encrypted:
		return CompressedEncrypted
	case encrypted:
		return Encrypted
	case compressed:
		return Compressed
	default:
		return Plain
	}
}

// ParseKind accepts the names produced by String plus a few aliases
// ("tls", "encrypted", "compressed+tls").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain", "tcp":
		return Plain, nil
	case "compressed":
		return Compressed, nil
	case "ssl", "tls", "encrypted":
		return Encrypted, nil
	case "compressed+ssl", "compressed+tls", "ssl+compressed":
		return CompressedEncrypted, nil
	}
	return Plain, fmt.Errorf("transport: unknown kind %q", s)
}
