package sipgo

import (
	"bytes"
	"fmt"
	"strconv"
)

// SDPOrigin is the parsed o= line of a session description (RFC 8866 §5.2).
// Only the fields the dialog layer needs for offer/answer bookkeeping are
// kept; media-level parsing belongs to the media engine, not here.
type SDPOrigin struct {
	Username       string
	SessionID      string
	SessionVersion uint64
	NetworkType    string
	AddressType    string
	Address        string
}

// ParseSDPOrigin extracts the o= line from a session description body.
// The version field is what matters for the dialog: a peer re-offering the
// same session bumps sess-version, a retransmission repeats it.
func ParseSDPOrigin(sdp []byte) (SDPOrigin, error) {
	var o SDPOrigin
	for _, line := range bytes.Split(sdp, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte("o=")) {
			continue
		}
		fields := bytes.Fields(line[2:])
		if len(fields) != 6 {
			return o, fmt.Errorf("origin line must have 6 fields, got %d", len(fields))
		}
		version, err := strconv.ParseUint(string(fields[2]), 10, 64)
		if err != nil {
			return o, fmt.Errorf("parsing sess-version: %w", err)
		}
		o.Username = string(fields[0])
		o.SessionID = string(fields[1])
		o.SessionVersion = version
		o.NetworkType = string(fields[3])
		o.AddressType = string(fields[4])
		o.Address = string(fields[5])
		return o, nil
	}
	return o, fmt.Errorf("no origin line present")
}

// sdpIsRetransmission reports whether next repeats prev's origin, i.e. the
// same session id with a sess-version that did not advance. Unparseable
// bodies are never treated as retransmissions.
func sdpIsRetransmission(prev, next []byte) bool {
	if prev == nil {
		return false
	}
	po, err := ParseSDPOrigin(prev)
	if err != nil {
		return false
	}
	no, err := ParseSDPOrigin(next)
	if err != nil {
		return false
	}
	return po.SessionID == no.SessionID && no.SessionVersion <= po.SessionVersion
}
