package event

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxField bounds the length of any single string/bytes field decoded from
// an envelope, preventing a corrupt or hostile producer from forcing an
// unbounded allocation.
const MaxField = 1 << 20 // 1 MiB

// Decode error classes (spec §4.A/§7: Data-class errors — counted, logged
// at warn, and dropped by the caller, never escalated to the control plane).
var (
	// ErrTruncated means the buffer ended before a field's declared length.
	ErrTruncated = errors.New("event: truncated")
	// ErrUnknownVariant means the outer Kind tag is not a recognized or
	// plausible-for-forward-compatibility value.
	ErrUnknownVariant = errors.New("event: unknown variant")
	// ErrSchemaViolation means a variant's required-field or range
	// invariants were not satisfied (e.g. RENAME without NewPath).
	ErrSchemaViolation = errors.New("event: schema violation")
	// ErrFieldTooLarge means a string/bytes field exceeded MaxField.
	ErrFieldTooLarge = errors.New("event: field exceeds MAX_FIELD")
)

// DecodeError wraps one of the sentinel errors above with context about
// which field or variant triggered it.
type DecodeError struct {
	Cause error
	Msg   string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: %s", e.Cause, e.Msg) }
func (e *DecodeError) Unwrap() error { return e.Cause }

func truncated(msg string) error        { return &DecodeError{Cause: ErrTruncated, Msg: msg} }
func unknownVariant(msg string) error   { return &DecodeError{Cause: ErrUnknownVariant, Msg: msg} }
func schemaViolation(msg string) error  { return &DecodeError{Cause: ErrSchemaViolation, Msg: msg} }
func fieldTooLarge(msg string) error    { return &DecodeError{Cause: ErrFieldTooLarge, Msg: msg} }

// Outer envelope field numbers.
const (
	fEnvelopeTS     = 1
	fEnvelopeGUID   = 2
	fEnvelopeKind   = 3
	fEnvelopePayload = 4
)

// maxForwardCompatKind bounds the Kind values this build accepts as a
// plausible (if not yet understood) future variant versus outright garbage.
// Kinds 1 through KindRegistry decode into their typed variants; anything
// in (KindRegistry, maxForwardCompatKind] round-trips as a GenericEvent;
// zero and anything above maxForwardCompatKind is ErrUnknownVariant.
const maxForwardCompatKind = 31

// GenericEvent is returned for a Kind value this build does not recognize
// but considers a plausible future extension (additive schema evolution,
// spec §9). Its raw bytes are preserved for diagnostics and re-emission.
type GenericEvent struct {
	RawKind uint64
	Payload []byte
}

func (GenericEvent) Kind() Kind { return KindUnknown }
func (GenericEvent) sealed()    {}

// Encode serializes an Envelope to bytes. Encode never fails for a
// well-formed Envelope built by this package's constructors.
func Encode(env Envelope) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fEnvelopeTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.TS))
	b = protowire.AppendTag(b, fEnvelopeGUID, protowire.BytesType)
	b = protowire.AppendString(b, env.SensorGUID)

	kind := env.Kind()
	b = protowire.AppendTag(b, fEnvelopeKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kind))

	payload, err := encodePayload(env.Payload)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fEnvelopePayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// Decode parses bytes produced by Encode (or by an external producer using
// the same wire format) into an Envelope. Unknown outer fields are skipped
// per protobuf wire-format rules, giving forward compatibility for free.
func Decode(buf []byte) (Envelope, error) {
	var (
		env     Envelope
		haveTS  bool
		haveGUID bool
		kind    Kind
		haveKind bool
		payload []byte
	)

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Envelope{}, truncated("envelope tag")
		}
		buf = buf[n:]

		switch num {
		case fEnvelopeTS:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Envelope{}, truncated("ts")
			}
			buf = buf[n:]
			env.TS = int64(v)
			haveTS = true
		case fEnvelopeGUID:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Envelope{}, truncated("sensor_guid")
			}
			if len(v) > MaxField {
				return Envelope{}, fieldTooLarge("sensor_guid")
			}
			buf = buf[n:]
			env.SensorGUID = string(v)
			haveGUID = true
		case fEnvelopeKind:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Envelope{}, truncated("kind")
			}
			buf = buf[n:]
			kind = Kind(v)
			haveKind = true
		case fEnvelopePayload:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Envelope{}, truncated("payload")
			}
			if len(v) > MaxField {
				return Envelope{}, fieldTooLarge("payload")
			}
			buf = buf[n:]
			payload = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Envelope{}, truncated("unknown outer field")
			}
			buf = buf[n:]
		}
	}

	if !haveTS || !haveGUID || !haveKind {
		return Envelope{}, schemaViolation("missing required envelope field")
	}

	env.Raw = payload

	switch {
	case kind >= KindFile && kind <= KindRegistry:
		ev, err := decodePayload(kind, payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = ev
		return env, nil
	case kind > KindRegistry && kind <= maxForwardCompatKind:
		env.Payload = GenericEvent{RawKind: uint64(kind), Payload: payload}
		return env, nil
	default:
		return Envelope{}, unknownVariant(fmt.Sprintf("kind=%d", kind))
	}
}

func encodePayload(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case FileEvent:
		return encodeFileEvent(v)
	case NetworkEvent:
		return encodeNetworkEvent(v), nil
	case ProcessEvent:
		return encodeProcessEvent(v), nil
	case ScanResult:
		return encodeScanResult(v), nil
	case EtwEvent:
		return encodeEtwEvent(v), nil
	case HookEvent:
		return encodeHookEvent(v)
	case ImageLoadEvent:
		return encodeImageLoadEvent(v), nil
	case RegistryEvent:
		return encodeRegistryEvent(v), nil
	case GenericEvent:
		return v.Payload, nil
	default:
		return nil, fmt.Errorf("event: encode: unsupported payload type %T", ev)
	}
}

func decodePayload(kind Kind, payload []byte) (Event, error) {
	switch kind {
	case KindFile:
		return decodeFileEvent(payload)
	case KindNetwork:
		return decodeNetworkEvent(payload)
	case KindProcess:
		return decodeProcessEvent(payload)
	case KindScanResult:
		return decodeScanResult(payload)
	case KindEtw:
		return decodeEtwEvent(payload)
	case KindHook:
		return decodeHookEvent(payload)
	case KindImageLoad:
		return decodeImageLoadEvent(payload)
	case KindRegistry:
		return decodeRegistryEvent(payload)
	default:
		return nil, unknownVariant(fmt.Sprintf("kind=%d", kind))
	}
}

// consumeString reads a length-delimited UTF-8 field, enforcing MaxField.
func consumeString(buf []byte) (string, int, error) {
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return "", 0, truncated("string field")
	}
	if len(v) > MaxField {
		return "", 0, fieldTooLarge("string field")
	}
	return string(v), n, nil
}

func consumeBytesField(buf []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return nil, 0, truncated("bytes field")
	}
	if len(v) > MaxField {
		return nil, 0, fieldTooLarge("bytes field")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}
