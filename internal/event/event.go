// Package event defines the tagged union of telemetry events that flows
// through the core: decoded ring frames, userspace sensor output, and
// scan results all end up as an Envelope wrapping one Event variant.
//
// Adding a variant is additive: a new Kind constant, a new struct, a new
// case in the codec's encode/decode switch, and a new store table. Nothing
// else in the pipeline needs to change.
package event

import "time"

// Kind discriminates the payload carried by an Envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFile
	KindNetwork
	KindProcess
	KindScanResult
	KindEtw
	KindHook
	KindImageLoad
	KindRegistry
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "FILE"
	case KindNetwork:
		return "NETWORK"
	case KindProcess:
		return "PROCESS"
	case KindScanResult:
		return "SCAN_RESULT"
	case KindEtw:
		return "ETW"
	case KindHook:
		return "HOOK"
	case KindImageLoad:
		return "IMAGE_LOAD"
	case KindRegistry:
		return "REGISTRY"
	default:
		return "UNKNOWN"
	}
}

// Event is implemented by every payload variant. It is a closed set: the
// unexported method prevents other packages from adding variants outside
// this file, matching the spec's "tagged union, not a class hierarchy"
// guidance.
type Event interface {
	Kind() Kind
	sealed()
}

// Envelope is the immutable, decoded unit that flows through the dispatcher
// and into the store. Raw retains the original payload bytes for opaque
// storage (EtwEvent.JSONPayload) and diagnostics; it is never re-derived
// from the typed fields.
type Envelope struct {
	TS         int64 // monotonic nanoseconds, producer-assigned
	SensorGUID string
	Payload    Event
	Raw        []byte
}

func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// ReceivedAt is stamped by the core on ingestion, independent of the
// producer-assigned TS, and used for store-side retention windows.
func ReceivedAt() time.Time { return time.Now().UTC() }

// FileOp enumerates FileEvent operations.
type FileOp uint8

const (
	FileOpUnknown FileOp = iota
	FileOpCreate
	FileOpWrite
	FileOpDelete
	FileOpRename
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpDelete:
		return "DELETE"
	case FileOpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent models a filesystem mutation observed by a kernel sensor, a
// userspace API hook, or a local sensor.
type FileEvent struct {
	Op      FileOp
	Path    string
	NewPath string // non-empty iff Op == FileOpRename
	PID     uint32
	ExePath string
	Size    uint64
	SHA256  []byte // absent (nil) or exactly 32 bytes
	Success bool
}

func (FileEvent) Kind() Kind { return KindFile }
func (FileEvent) sealed()    {}

// Direction enumerates NetworkEvent directions.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirIn
	DirOut
)

func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	if d == DirOut {
		return "OUT"
	}
	return "UNKNOWN"
}

// NetworkEvent models a connection or packet observed at the socket layer.
type NetworkEvent struct {
	Direction Direction
	Proto     string
	SrcIP     string
	SrcPort   uint16
	DstIP     string
	DstPort   uint16
	PID       uint32
	ExePath   string
	Bytes     uint64
	Blocked   bool
}

func (NetworkEvent) Kind() Kind { return KindNetwork }
func (NetworkEvent) sealed()    {}

// ProcessEvent models process creation observed by a kernel callback or a
// userspace poller.
type ProcessEvent struct {
	PID     uint32
	PPID    uint32
	Image   string
	Cmdline string
}

func (ProcessEvent) Kind() Kind { return KindProcess }
func (ProcessEvent) sealed()    {}

// Severity is the rule-declared urgency of a ScanResult.
type Severity uint8

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ScanResult is emitted by the scanner orchestrator after the rule engine
// finds one or more hits in a file.
type ScanResult struct {
	RuleID        string
	FilePath      string
	Matches       []string // matched atom values, ascending atom_id order
	Severity      Severity
	OriginEventID int64 // 0 when the origin event id is not yet known
}

func (ScanResult) Kind() Kind { return KindScanResult }
func (ScanResult) sealed()    {}

// EtwEvent is an opaque ETW (Event Tracing for Windows)-shaped record; most
// of its value lives in JSONPayload, which is stored verbatim.
type EtwEvent struct {
	ProviderGUID string
	EventID      uint32
	Level        uint8
	PID          uint32
	TID          uint32
	JSONPayload  []byte
}

func (EtwEvent) Kind() Kind { return KindEtw }
func (EtwEvent) sealed()    {}

// HookKind enumerates the API-hook interception points the hook library
// reports on.
type HookKind uint8

const (
	HookUnknown HookKind = iota
	HookNtCreateThreadEx
	HookNtMapViewOfSection
	HookNtProtectVirtualMemory
	HookNtSetValueKey
)

func (k HookKind) String() string {
	switch k {
	case HookNtCreateThreadEx:
		return "NtCreateThreadEx"
	case HookNtMapViewOfSection:
		return "NtMapViewOfSection"
	case HookNtProtectVirtualMemory:
		return "NtProtectVirtualMemory"
	case HookNtSetValueKey:
		return "NtSetValueKey"
	default:
		return "Unknown"
	}
}

// HookEvent is a generic API-hook interception record. Status is exposed
// opaquely per the spec's open question: the core never interprets it as
// an NT status code or a component-defined code, it only stores and
// round-trips it. Exactly one Detail field is populated, matching Kind.
type HookEvent struct {
	PID    uint32
	TID    uint32
	Status int64
	Kind   HookKind

	CreateThreadEx     *HookCreateThreadEx
	MapViewOfSection   *HookMapViewOfSection
	ProtectVirtualMem  *HookProtectVirtualMemory
	SetValueKey        *HookSetValueKey
}

func (HookEvent) Kind() Kind { return KindHook }
func (HookEvent) sealed()    {}

// HookCreateThreadEx is the detail record for NtCreateThreadEx.
type HookCreateThreadEx struct {
	TargetPID    uint32
	StartAddress uint64
}

// HookMapViewOfSection is the detail record for NtMapViewOfSection.
type HookMapViewOfSection struct {
	TargetPID  uint32
	BaseAddr   uint64
	ViewSize   uint64
	Protection uint32
}

// HookProtectVirtualMemory is the detail record for NtProtectVirtualMemory.
type HookProtectVirtualMemory struct {
	TargetPID     uint32
	BaseAddr      uint64
	RegionSize    uint64
	NewProtection uint32
	OldProtection uint32
}

// HookSetValueKey is the detail record for NtSetValueKey.
type HookSetValueKey struct {
	KeyPath   string
	ValueName string
	ValueType uint32
}

// ImageLoadEvent records a module/image mapped into a process's address
// space.
type ImageLoadEvent struct {
	ImageBase     uint64
	ImageSize     uint64
	FullImageName string
	ProcessID     uint32
}

func (ImageLoadEvent) Kind() Kind { return KindImageLoad }
func (ImageLoadEvent) sealed()    {}

// RegistryOp enumerates RegistryEvent operation types.
type RegistryOp uint8

const (
	RegOpUnknown RegistryOp = iota
	RegOpSetValue
	RegOpDeleteValue
	RegOpCreateKey
	RegOpDeleteKey
)

// RegistryEvent records a registry-key mutation.
type RegistryEvent struct {
	Op        RegistryOp
	KeyPath   string
	OldValue  []byte
	NewValue  []byte
	ProcessID uint32
}

func (RegistryEvent) Kind() Kind { return KindRegistry }
func (RegistryEvent) sealed()    {}
