// Package codec defines realm's one canonical encoding, used for every
// command payload that is signed or placed on the wire (spec section 4.3 and
// section 9's "canonical serialization" design note). All code paths route
// through EncodePayload/DecodePayload; nothing signs a human-readable format.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PayloadKind tags which of the nine command-envelope variants Data holds.
type PayloadKind uint8

const (
	KindDeploy PayloadKind = iota + 1
	KindApply
	KindUpgrade
	KindJobSubmit
	KindJobCancel
	KindBlobChunk
	KindStatusQuery
	KindStatusReply
	KindPeerExchange
)

func (k PayloadKind) String() string {
	switch k {
	case KindDeploy:
		return "Deploy"
	case KindApply:
		return "Apply"
	case KindUpgrade:
		return "Upgrade"
	case KindJobSubmit:
		return "JobSubmit"
	case KindJobCancel:
		return "JobCancel"
	case KindBlobChunk:
		return "BlobChunk"
	case KindStatusQuery:
		return "StatusQuery"
	case KindStatusReply:
		return "StatusReply"
	case KindPeerExchange:
		return "PeerExchange"
	default:
		return "Unknown"
	}
}

// TaggedPayload is the canonical, serializer-independent unit that gets
// signed: a variant tag plus the variant's own canonical bytes. Per spec
// section 6: "The signature covers exactly the canonical bytes of payload
// plus a variant tag, nothing else."
type TaggedPayload struct {
	Kind PayloadKind `cbor:"1,keyasint"`
	Data []byte      `cbor:"2,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building canonical CBOR encoder: %v", err))
	}
	encMode = m
}

// Marshal encodes v using CBOR's canonical core profile: fixed map-key
// ordering, shortest-form integers, definite-length byte strings. This is
// the one encoder every signing and wire-serialization path must use.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// EncodePayload canonically encodes a single payload variant (e.g. a Deploy
// struct) and wraps it with its kind tag, producing the exact bytes that get
// signed and transmitted.
func EncodePayload(kind PayloadKind, payload any) ([]byte, error) {
	inner, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return Marshal(TaggedPayload{Kind: kind, Data: inner})
}

// DecodeTagged extracts the kind tag and inner canonical bytes from a wire
// blob produced by EncodePayload, without decoding the variant itself.
func DecodeTagged(wire []byte) (TaggedPayload, error) {
	var tp TaggedPayload
	if err := Unmarshal(wire, &tp); err != nil {
		return TaggedPayload{}, fmt.Errorf("decode tagged payload: %w", err)
	}
	return tp, nil
}

// DecodePayload decodes the inner bytes of a TaggedPayload into dst.
func DecodePayload(tp TaggedPayload, dst any) error {
	return Unmarshal(tp.Data, dst)
}
