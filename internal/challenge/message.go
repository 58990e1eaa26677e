package challenge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"

	uriTag       = "URI: "
	versionTag   = "Version: "
	chainIDTag   = "Chain ID: "
	nonceTag     = "Nonce: "
	issuedAtTag  = "Issued At: "
	expiresTag   = "Expiration Time: "
	notBeforeTag = "Not Before: "
	requestIDTag = "Request ID: "
	resourcesTag = "Resources:"
)

var ErrMalformed = errors.New("challenge: malformed message")

// Message is a parsed EIP-4361 sign-in message. Raw keeps the exact text
// that was signed; signatures are always checked against Raw.
type Message struct {
	Domain         string
	Address        common.Address
	Statement      string
	URI            string
	Version        string
	ChainID        uint64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string

	Raw string
}

// ParseMessage parses the EIP-4361 text form. Required: domain, address, URI,
// version, chain id, nonce and issued-at. The statement is optional.
func ParseMessage(raw string) (*Message, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}

	m := &Message{Raw: raw}
	header := lines[0]
	if !strings.HasSuffix(header, headerSuffix) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	m.Domain = strings.TrimSpace(strings.TrimSuffix(header, headerSuffix))
	if m.Domain == "" {
		return nil, fmt.Errorf("%w: missing domain", ErrMalformed)
	}

	addr := strings.TrimSpace(lines[1])
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: invalid address", ErrMalformed)
	}
	m.Address = common.HexToAddress(addr)

	var (
		seenField   bool
		inResources bool
		chainSeen   bool
	)
	for _, line := range lines[2:] {
		if line == "" {
			continue
		}
		if inResources {
			if strings.HasPrefix(line, "- ") {
				m.Resources = append(m.Resources, strings.TrimPrefix(line, "- "))
				continue
			}
			inResources = false
		}

		switch {
		case strings.HasPrefix(line, uriTag):
			m.URI = strings.TrimPrefix(line, uriTag)
		case strings.HasPrefix(line, versionTag):
			m.Version = strings.TrimPrefix(line, versionTag)
		case strings.HasPrefix(line, chainIDTag):
			id, err := strconv.ParseUint(strings.TrimPrefix(line, chainIDTag), 10, 64)
			if err != nil || id == 0 {
				return nil, fmt.Errorf("%w: invalid chain id", ErrMalformed)
			}
			m.ChainID = id
			chainSeen = true
		case strings.HasPrefix(line, nonceTag):
			m.Nonce = strings.TrimPrefix(line, nonceTag)
		case strings.HasPrefix(line, issuedAtTag):
			ts, err := parseTimestamp(strings.TrimPrefix(line, issuedAtTag))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid issued-at", ErrMalformed)
			}
			m.IssuedAt = ts
		case strings.HasPrefix(line, expiresTag):
			ts, err := parseTimestamp(strings.TrimPrefix(line, expiresTag))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid expiration time", ErrMalformed)
			}
			m.ExpirationTime = &ts
		case strings.HasPrefix(line, notBeforeTag):
			ts, err := parseTimestamp(strings.TrimPrefix(line, notBeforeTag))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid not-before", ErrMalformed)
			}
			m.NotBefore = &ts
		case strings.HasPrefix(line, requestIDTag):
			m.RequestID = strings.TrimPrefix(line, requestIDTag)
		case line == resourcesTag:
			inResources = true
		default:
			// Free text before the first field is the statement; anywhere else it is noise.
			if seenField || m.Statement != "" {
				return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformed, line)
			}
			m.Statement = line
			continue
		}
		seenField = true
	}

	switch {
	case m.URI == "":
		return nil, fmt.Errorf("%w: missing uri", ErrMalformed)
	case m.Version == "":
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	case !chainSeen:
		return nil, fmt.Errorf("%w: missing chain id", ErrMalformed)
	case m.Nonce == "":
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformed)
	case m.IssuedAt.IsZero():
		return nil, fmt.Errorf("%w: missing issued-at", ErrMalformed)
	}
	if m.Version != "1" {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, m.Version)
	}
	if !validNonce(m.Nonce) {
		return nil, fmt.Errorf("%w: nonce must be at least 8 alphanumeric characters", ErrMalformed)
	}
	return m, nil
}

// String renders the canonical EIP-4361 text.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Domain)
	b.WriteString(headerSuffix)
	b.WriteString("\n")
	b.WriteString(m.Address.Hex())
	b.WriteString("\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(uriTag + m.URI + "\n")
	b.WriteString(versionTag + m.Version + "\n")
	b.WriteString(chainIDTag + strconv.FormatUint(m.ChainID, 10) + "\n")
	b.WriteString(nonceTag + m.Nonce + "\n")
	b.WriteString(issuedAtTag + m.IssuedAt.UTC().Format(time.RFC3339Nano))
	if m.ExpirationTime != nil {
		b.WriteString("\n" + expiresTag + m.ExpirationTime.UTC().Format(time.RFC3339Nano))
	}
	if m.NotBefore != nil {
		b.WriteString("\n" + notBeforeTag + m.NotBefore.UTC().Format(time.RFC3339Nano))
	}
	if m.RequestID != "" {
		b.WriteString("\n" + requestIDTag + m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\n" + resourcesTag)
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

func validNonce(n string) bool {
	if len(n) < 8 {
		return false
	}
	for _, r := range n {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
