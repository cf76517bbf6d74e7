// Package mtasts implements the parsing and evaluation of MTA-STS
// (RFC 8461) policies. Discovery, download and caching live in Cache.
package mtasts

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/foxcpp/mailout/framework/dns"
)

type MalformedDNSRecordError struct {
	// Additional description of the error.
	Desc string
}

func (e MalformedDNSRecordError) Error() string {
	return fmt.Sprintf("mtasts: malformed DNS record: %s", e.Desc)
}

// readDNSRecord extracts the policy id from a _mta-sts TXT record.
// Unknown key=value pairs are ignored, as required for extension
// fields. A trailing semicolon is permitted.
func readDNSRecord(raw string) (id string, err error) {
	versionPresent := false
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.Split(part, "=")
		if len(kv) != 2 {
			return "", MalformedDNSRecordError{Desc: "invalid record part: " + part}
		}

		if strings.ContainsAny(kv[0], " \t") || strings.ContainsAny(kv[1], " \t") {
			return "", MalformedDNSRecordError{Desc: "whitespace is not allowed in name or value"}
		}

		switch kv[0] {
		case "v":
			if kv[1] != "STSv1" {
				return "", MalformedDNSRecordError{Desc: "unsupported version: " + kv[1]}
			}
			versionPresent = true
		case "id":
			id = kv[1]
		}
	}
	if !versionPresent {
		return "", MalformedDNSRecordError{Desc: "missing version value"}
	}
	if id == "" {
		return "", MalformedDNSRecordError{Desc: "missing id value"}
	}
	return
}

type MalformedPolicyError struct {
	// Additional description of the error.
	Desc string
}

func (e MalformedPolicyError) Error() string {
	return fmt.Sprintf("mtasts: malformed policy: %s", e.Desc)
}

type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeTesting Mode = "testing"
	ModeNone    Mode = "none"
)

type Policy struct {
	Mode   Mode
	MaxAge int
	MX     []string
}

// readPolicy parses the policy text served at the policy host. Unknown
// fields are ignored; version, mode and max_age are required, and any
// mode other than "none" requires at least one mx pattern.
func readPolicy(contents io.Reader) (*Policy, error) {
	sc := bufio.NewScanner(contents)
	policy := Policy{}

	present := make(map[string]struct{})

	for sc.Scan() {
		parts := strings.Split(sc.Text(), ":")
		if len(parts) != 2 {
			return nil, MalformedPolicyError{Desc: "invalid field: " + sc.Text()}
		}

		// The grammar permits arbitrary whitespace after the colon:
		//	sts-policy-field-delim = ":" *WSP
		name := parts[0]
		value := strings.TrimSpace(parts[1])
		switch name {
		case "version":
			if value != "STSv1" {
				return nil, MalformedPolicyError{Desc: "unsupported policy version: " + value}
			}
		case "mode":
			switch Mode(value) {
			case ModeEnforce, ModeTesting, ModeNone:
				policy.Mode = Mode(value)
			default:
				return nil, MalformedPolicyError{Desc: "invalid mode value: " + value}
			}
		case "max_age":
			var err error
			policy.MaxAge, err = strconv.Atoi(value)
			if err != nil {
				return nil, MalformedPolicyError{Desc: "invalid max_age value: " + err.Error()}
			}
		case "mx":
			policy.MX = append(policy.MX, value)
		}
		present[name] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for _, req := range []string{"version", "mode", "max_age"} {
		if _, ok := present[req]; !ok {
			return nil, MalformedPolicyError{Desc: req + " field required"}
		}
	}

	if policy.Mode != ModeNone && len(policy.MX) == 0 {
		return nil, MalformedPolicyError{Desc: "at least one mx field required when mode is not none"}
	}

	return &policy, nil
}

// Match reports whether the MX hostname is covered by the policy's mx
// patterns. A leading "*." wildcard covers exactly one label. Both
// sides are compared in the IDNA lookup form.
func (p Policy) Match(mx string) bool {
	normMX, err := dns.ForLookup(mx)
	if err != nil {
		return false
	}

	for _, pattern := range p.MX {
		normPattern, err := dns.ForLookup(pattern)
		if err != nil {
			continue
		}

		if suffix, ok := strings.CutPrefix(normPattern, "*."); ok {
			if _, rest, found := strings.Cut(normMX, "."); found && rest == suffix {
				return true
			}
			continue
		}

		if normMX == normPattern {
			return true
		}
	}
	return false
}
