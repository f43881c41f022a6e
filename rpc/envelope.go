package rpc

import "github.com/cellhub/cellhub/internal/memview"

// envelope is the minimal self-describing layout a REQUEST frame's
// payload carries: a method name followed by opaque argument bytes. The
// transport and ring layers are payload-agnostic (§4.8); this is the one
// encoding this package fixes, used identically by host and cell.
type envelope struct {
	Method string
	Body   []byte
}

func encodeEnvelope(e envelope) []byte {
	buf := make([]byte, 4+len(e.Method)+len(e.Body))
	memview.PutU32(buf, 0, uint32(len(e.Method)))
	copy(buf[4:], e.Method)
	copy(buf[4+len(e.Method):], e.Body)
	return buf
}

func decodeEnvelope(buf []byte) (envelope, error) {
	if len(buf) < 4 {
		return envelope{}, Errorf(KindDeserialize, "envelope too short (%d bytes)", len(buf))
	}
	n := memview.GetU32(buf, 0)
	if uint32(len(buf)) < 4+n {
		return envelope{}, Errorf(KindDeserialize, "envelope method length %d exceeds payload", n)
	}
	return envelope{
		Method: string(buf[4 : 4+n]),
		Body:   buf[4+n:],
	}, nil
}
