package event

import "google.golang.org/protobuf/encoding/protowire"

// Field numbers are scoped per variant (each variant's payload bytes are an
// independent message), matching the protobuf convention of per-message
// numbering. Numbers are stable once assigned; additive evolution means new
// fields take the next free number and are skipped by old decoders.

// --- FileEvent ---

const (
	fFileOp      = 1
	fFilePath    = 2
	fFileNewPath = 3
	fFilePID     = 4
	fFileExe     = 5
	fFileSize    = 6
	fFileSHA256  = 7
	fFileSuccess = 8
)

func encodeFileEvent(e FileEvent) ([]byte, error) {
	if e.Op == FileOpRename && e.NewPath == "" {
		return nil, schemaViolation("RENAME requires non-empty new_path")
	}
	if e.SHA256 != nil && len(e.SHA256) != 32 {
		return nil, schemaViolation("sha256 must be exactly 32 bytes when present")
	}
	var b []byte
	b = appendVarintField(b, fFileOp, uint64(e.Op))
	b = appendStringField(b, fFilePath, e.Path)
	if e.NewPath != "" {
		b = appendStringField(b, fFileNewPath, e.NewPath)
	}
	b = appendVarintField(b, fFilePID, uint64(e.PID))
	b = appendStringField(b, fFileExe, e.ExePath)
	b = appendVarintField(b, fFileSize, e.Size)
	if len(e.SHA256) > 0 {
		b = protowire.AppendTag(b, fFileSHA256, protowire.BytesType)
		b = protowire.AppendBytes(b, e.SHA256)
	}
	b = appendBoolField(b, fFileSuccess, e.Success)
	return b, nil
}

func decodeFileEvent(buf []byte) (Event, error) {
	var e FileEvent
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fFileOp:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.Op = FileOp(v)
		case fFilePath:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.Path = s
		case fFileNewPath:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.NewPath = s
		case fFilePID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.PID = uint32(v)
		case fFileExe:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.ExePath = s
		case fFileSize:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.Size = v
		case fFileSHA256:
			v, nn, err := consumeBytesField(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.SHA256 = v
		case fFileSuccess:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.Success = v != 0
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("file_event: unknown field")
			}
			buf = buf[nn:]
		}
	}
	if e.Op == FileOpRename && e.NewPath == "" {
		return nil, schemaViolation("RENAME requires non-empty new_path")
	}
	if e.SHA256 != nil && len(e.SHA256) != 32 {
		return nil, schemaViolation("sha256 must be exactly 32 bytes when present")
	}
	return e, nil
}

// --- NetworkEvent ---

const (
	fNetDirection = 1
	fNetProto     = 2
	fNetSrcIP     = 3
	fNetSrcPort   = 4
	fNetDstIP     = 5
	fNetDstPort   = 6
	fNetPID       = 7
	fNetExe       = 8
	fNetBytes     = 9
	fNetBlocked   = 10
)

func encodeNetworkEvent(e NetworkEvent) []byte {
	var b []byte
	b = appendVarintField(b, fNetDirection, uint64(e.Direction))
	b = appendStringField(b, fNetProto, e.Proto)
	b = appendStringField(b, fNetSrcIP, e.SrcIP)
	b = appendVarintField(b, fNetSrcPort, uint64(e.SrcPort))
	b = appendStringField(b, fNetDstIP, e.DstIP)
	b = appendVarintField(b, fNetDstPort, uint64(e.DstPort))
	b = appendVarintField(b, fNetPID, uint64(e.PID))
	b = appendStringField(b, fNetExe, e.ExePath)
	b = appendVarintField(b, fNetBytes, e.Bytes)
	b = appendBoolField(b, fNetBlocked, e.Blocked)
	return b
}

func decodeNetworkEvent(buf []byte) (Event, error) {
	var e NetworkEvent
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fNetDirection:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Direction = buf[nn:], Direction(v)
		case fNetProto:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Proto = buf[nn:], s
		case fNetSrcIP:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.SrcIP = buf[nn:], s
		case fNetSrcPort:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.SrcPort = buf[nn:], uint16(v)
		case fNetDstIP:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.DstIP = buf[nn:], s
		case fNetDstPort:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.DstPort = buf[nn:], uint16(v)
		case fNetPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.PID = buf[nn:], uint32(v)
		case fNetExe:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.ExePath = buf[nn:], s
		case fNetBytes:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Bytes = buf[nn:], v
		case fNetBlocked:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Blocked = buf[nn:], v != 0
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("network_event: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return e, nil
}

// --- ProcessEvent ---

const (
	fProcPID     = 1
	fProcPPID    = 2
	fProcImage   = 3
	fProcCmdline = 4
)

func encodeProcessEvent(e ProcessEvent) []byte {
	var b []byte
	b = appendVarintField(b, fProcPID, uint64(e.PID))
	b = appendVarintField(b, fProcPPID, uint64(e.PPID))
	b = appendStringField(b, fProcImage, e.Image)
	b = appendStringField(b, fProcCmdline, e.Cmdline)
	return b
}

func decodeProcessEvent(buf []byte) (Event, error) {
	var e ProcessEvent
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fProcPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.PID = buf[nn:], uint32(v)
		case fProcPPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.PPID = buf[nn:], uint32(v)
		case fProcImage:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Image = buf[nn:], s
		case fProcCmdline:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Cmdline = buf[nn:], s
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("process_event: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return e, nil
}

// --- ScanResult ---

const (
	fScanRuleID    = 1
	fScanFilePath  = 2
	fScanMatch     = 3 // repeated
	fScanSeverity  = 4
	fScanOriginID  = 5
)

func encodeScanResult(e ScanResult) []byte {
	var b []byte
	b = appendStringField(b, fScanRuleID, e.RuleID)
	b = appendStringField(b, fScanFilePath, e.FilePath)
	for _, m := range e.Matches {
		b = appendStringField(b, fScanMatch, m)
	}
	b = appendVarintField(b, fScanSeverity, uint64(e.Severity))
	b = appendVarintField(b, fScanOriginID, uint64(e.OriginEventID))
	return b
}

func decodeScanResult(buf []byte) (Event, error) {
	var e ScanResult
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fScanRuleID:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.RuleID = buf[nn:], s
		case fScanFilePath:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.FilePath = buf[nn:], s
		case fScanMatch:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf = buf[nn:]
			e.Matches = append(e.Matches, s)
		case fScanSeverity:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Severity = buf[nn:], Severity(v)
		case fScanOriginID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.OriginEventID = buf[nn:], int64(v)
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("scan_result: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return e, nil
}

// --- EtwEvent ---

const (
	fEtwProvider = 1
	fEtwEventID  = 2
	fEtwLevel    = 3
	fEtwPID      = 4
	fEtwTID      = 5
	fEtwPayload  = 6
)

func encodeEtwEvent(e EtwEvent) []byte {
	var b []byte
	b = appendStringField(b, fEtwProvider, e.ProviderGUID)
	b = appendVarintField(b, fEtwEventID, uint64(e.EventID))
	b = appendVarintField(b, fEtwLevel, uint64(e.Level))
	b = appendVarintField(b, fEtwPID, uint64(e.PID))
	b = appendVarintField(b, fEtwTID, uint64(e.TID))
	if len(e.JSONPayload) > 0 {
		b = protowire.AppendTag(b, fEtwPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.JSONPayload)
	}
	return b
}

func decodeEtwEvent(buf []byte) (Event, error) {
	var e EtwEvent
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fEtwProvider:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.ProviderGUID = buf[nn:], s
		case fEtwEventID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.EventID = buf[nn:], uint32(v)
		case fEtwLevel:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Level = buf[nn:], uint8(v)
		case fEtwPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.PID = buf[nn:], uint32(v)
		case fEtwTID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.TID = buf[nn:], uint32(v)
		case fEtwPayload:
			v, nn, err := consumeBytesField(buf)
			if err != nil {
				return nil, err
			}
			buf, e.JSONPayload = buf[nn:], v
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("etw_event: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return e, nil
}

// --- ImageLoadEvent ---

const (
	fImgBase = 1
	fImgSize = 2
	fImgName = 3
	fImgPID  = 4
)

func encodeImageLoadEvent(e ImageLoadEvent) []byte {
	var b []byte
	b = appendVarintField(b, fImgBase, e.ImageBase)
	b = appendVarintField(b, fImgSize, e.ImageSize)
	b = appendStringField(b, fImgName, e.FullImageName)
	b = appendVarintField(b, fImgPID, uint64(e.ProcessID))
	return b
}

func decodeImageLoadEvent(buf []byte) (Event, error) {
	var e ImageLoadEvent
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fImgBase:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.ImageBase = buf[nn:], v
		case fImgSize:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.ImageSize = buf[nn:], v
		case fImgName:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.FullImageName = buf[nn:], s
		case fImgPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.ProcessID = buf[nn:], uint32(v)
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("image_load_event: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return e, nil
}

// --- RegistryEvent ---

const (
	fRegOp      = 1
	fRegKeyPath = 2
	fRegOldVal  = 3
	fRegNewVal  = 4
	fRegPID     = 5
)

func encodeRegistryEvent(e RegistryEvent) []byte {
	var b []byte
	b = appendVarintField(b, fRegOp, uint64(e.Op))
	b = appendStringField(b, fRegKeyPath, e.KeyPath)
	if len(e.OldValue) > 0 {
		b = protowire.AppendTag(b, fRegOldVal, protowire.BytesType)
		b = protowire.AppendBytes(b, e.OldValue)
	}
	if len(e.NewValue) > 0 {
		b = protowire.AppendTag(b, fRegNewVal, protowire.BytesType)
		b = protowire.AppendBytes(b, e.NewValue)
	}
	b = appendVarintField(b, fRegPID, uint64(e.ProcessID))
	return b
}

func decodeRegistryEvent(buf []byte) (Event, error) {
	var e RegistryEvent
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fRegOp:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Op = buf[nn:], RegistryOp(v)
		case fRegKeyPath:
			s, nn, err := consumeString(buf)
			if err != nil {
				return nil, err
			}
			buf, e.KeyPath = buf[nn:], s
		case fRegOldVal:
			v, nn, err := consumeBytesField(buf)
			if err != nil {
				return nil, err
			}
			buf, e.OldValue = buf[nn:], v
		case fRegNewVal:
			v, nn, err := consumeBytesField(buf)
			if err != nil {
				return nil, err
			}
			buf, e.NewValue = buf[nn:], v
		case fRegPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.ProcessID = buf[nn:], uint32(v)
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("registry_event: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return e, nil
}

// --- HookEvent ---

const (
	fHookPID    = 1
	fHookTID    = 2
	fHookStatus = 3
	fHookKind   = 4
	fHookDetail = 5 // nested message, shape depends on Kind

	// CreateThreadEx detail fields
	fHCTTargetPID    = 1
	fHCTStartAddress = 2

	// MapViewOfSection detail fields
	fHMVTargetPID   = 1
	fHMVBaseAddr    = 2
	fHMVViewSize    = 3
	fHMVProtection  = 4

	// ProtectVirtualMemory detail fields
	fHPVTargetPID     = 1
	fHPVBaseAddr      = 2
	fHPVRegionSize    = 3
	fHPVNewProtection = 4
	fHPVOldProtection = 5

	// SetValueKey detail fields
	fHSVKeyPath   = 1
	fHSVValueName = 2
	fHSVValueType = 3
)

func encodeHookEvent(e HookEvent) ([]byte, error) {
	var detail []byte
	switch e.Kind {
	case HookNtCreateThreadEx:
		if e.CreateThreadEx == nil {
			return nil, schemaViolation("NtCreateThreadEx requires CreateThreadEx detail")
		}
		d := e.CreateThreadEx
		detail = appendVarintField(detail, fHCTTargetPID, uint64(d.TargetPID))
		detail = appendVarintField(detail, fHCTStartAddress, d.StartAddress)
	case HookNtMapViewOfSection:
		if e.MapViewOfSection == nil {
			return nil, schemaViolation("NtMapViewOfSection requires MapViewOfSection detail")
		}
		d := e.MapViewOfSection
		detail = appendVarintField(detail, fHMVTargetPID, uint64(d.TargetPID))
		detail = appendVarintField(detail, fHMVBaseAddr, d.BaseAddr)
		detail = appendVarintField(detail, fHMVViewSize, d.ViewSize)
		detail = appendVarintField(detail, fHMVProtection, uint64(d.Protection))
	case HookNtProtectVirtualMemory:
		if e.ProtectVirtualMem == nil {
			return nil, schemaViolation("NtProtectVirtualMemory requires ProtectVirtualMem detail")
		}
		d := e.ProtectVirtualMem
		detail = appendVarintField(detail, fHPVTargetPID, uint64(d.TargetPID))
		detail = appendVarintField(detail, fHPVBaseAddr, d.BaseAddr)
		detail = appendVarintField(detail, fHPVRegionSize, d.RegionSize)
		detail = appendVarintField(detail, fHPVNewProtection, uint64(d.NewProtection))
		detail = appendVarintField(detail, fHPVOldProtection, uint64(d.OldProtection))
	case HookNtSetValueKey:
		if e.SetValueKey == nil {
			return nil, schemaViolation("NtSetValueKey requires SetValueKey detail")
		}
		d := e.SetValueKey
		detail = appendStringField(detail, fHSVKeyPath, d.KeyPath)
		detail = appendStringField(detail, fHSVValueName, d.ValueName)
		detail = appendVarintField(detail, fHSVValueType, uint64(d.ValueType))
	default:
		return nil, schemaViolation("unrecognized hook kind")
	}

	var b []byte
	b = appendVarintField(b, fHookPID, uint64(e.PID))
	b = appendVarintField(b, fHookTID, uint64(e.TID))
	b = appendVarintField(b, fHookStatus, uint64(e.Status))
	b = appendVarintField(b, fHookKind, uint64(e.Kind))
	b = protowire.AppendTag(b, fHookDetail, protowire.BytesType)
	b = protowire.AppendBytes(b, detail)
	return b, nil
}

func decodeHookEvent(buf []byte) (Event, error) {
	var e HookEvent
	var detail []byte
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		switch num {
		case fHookPID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.PID = buf[nn:], uint32(v)
		case fHookTID:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.TID = buf[nn:], uint32(v)
		case fHookStatus:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Status = buf[nn:], int64(v)
		case fHookKind:
			v, nn, err := consumeVarint(buf)
			if err != nil {
				return nil, err
			}
			buf, e.Kind = buf[nn:], HookKind(v)
		case fHookDetail:
			v, nn, err := consumeBytesField(buf)
			if err != nil {
				return nil, err
			}
			buf, detail = buf[nn:], v
		default:
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return nil, truncated("hook_event: unknown field")
			}
			buf = buf[nn:]
		}
	}

	switch e.Kind {
	case HookNtCreateThreadEx:
		d := &HookCreateThreadEx{}
		if err := decodeHookDetail(detail, func(num int, buf []byte) ([]byte, error) {
			switch num {
			case fHCTTargetPID:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.TargetPID = uint32(v)
				return buf[nn:], nil
			case fHCTStartAddress:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.StartAddress = v
				return buf[nn:], nil
			}
			return buf, nil
		}); err != nil {
			return nil, err
		}
		e.CreateThreadEx = d
	case HookNtMapViewOfSection:
		d := &HookMapViewOfSection{}
		if err := decodeHookDetail(detail, func(num int, buf []byte) ([]byte, error) {
			switch num {
			case fHMVTargetPID:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.TargetPID = uint32(v)
				return buf[nn:], nil
			case fHMVBaseAddr:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.BaseAddr = v
				return buf[nn:], nil
			case fHMVViewSize:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.ViewSize = v
				return buf[nn:], nil
			case fHMVProtection:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.Protection = uint32(v)
				return buf[nn:], nil
			}
			return buf, nil
		}); err != nil {
			return nil, err
		}
		e.MapViewOfSection = d
	case HookNtProtectVirtualMemory:
		d := &HookProtectVirtualMemory{}
		if err := decodeHookDetail(detail, func(num int, buf []byte) ([]byte, error) {
			switch num {
			case fHPVTargetPID:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.TargetPID = uint32(v)
				return buf[nn:], nil
			case fHPVBaseAddr:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.BaseAddr = v
				return buf[nn:], nil
			case fHPVRegionSize:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.RegionSize = v
				return buf[nn:], nil
			case fHPVNewProtection:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.NewProtection = uint32(v)
				return buf[nn:], nil
			case fHPVOldProtection:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.OldProtection = uint32(v)
				return buf[nn:], nil
			}
			return buf, nil
		}); err != nil {
			return nil, err
		}
		e.ProtectVirtualMem = d
	case HookNtSetValueKey:
		d := &HookSetValueKey{}
		if err := decodeHookDetail(detail, func(num int, buf []byte) ([]byte, error) {
			switch num {
			case fHSVKeyPath:
				s, nn, err := consumeString(buf)
				if err != nil {
					return nil, err
				}
				d.KeyPath = s
				return buf[nn:], nil
			case fHSVValueName:
				s, nn, err := consumeString(buf)
				if err != nil {
					return nil, err
				}
				d.ValueName = s
				return buf[nn:], nil
			case fHSVValueType:
				v, nn, err := consumeVarint(buf)
				if err != nil {
					return nil, err
				}
				d.ValueType = uint32(v)
				return buf[nn:], nil
			}
			return buf, nil
		}); err != nil {
			return nil, err
		}
		e.SetValueKey = d
	default:
		return nil, schemaViolation("unrecognized hook kind")
	}

	return e, nil
}

// decodeHookDetail walks a nested detail message, invoking apply for each
// known field number and skipping unknown ones via the wire format.
func decodeHookDetail(buf []byte, apply func(num int, buf []byte) ([]byte, error)) error {
	for len(buf) > 0 {
		num, typ, n, err := consumeTag(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
		before := buf
		buf, err = apply(int(num), buf)
		if err != nil {
			return err
		}
		if len(buf) == len(before) {
			// apply() did not recognize the field; skip it generically.
			nn := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if nn < 0 {
				return truncated("hook detail: unknown field")
			}
			buf = buf[nn:]
		}
	}
	return nil
}

// --- shared wire helpers ---

func consumeTag(buf []byte) (num protowire.Number, typ protowire.Type, n int, err error) {
	num, typ, n = protowire.ConsumeTag(buf)
	if n < 0 {
		return 0, 0, 0, truncated("tag")
	}
	return num, typ, n, nil
}

func consumeVarint(buf []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, 0, truncated("varint")
	}
	return v, n, nil
}

func appendVarintField(b []byte, num int, v uint64) []byte {
	b = protowire.AppendTag(b, protowire.Number(num), protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num int, s string) []byte {
	b = protowire.AppendTag(b, protowire.Number(num), protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBoolField(b []byte, num int, v bool) []byte {
	var x uint64
	if v {
		x = 1
	}
	return appendVarintField(b, num, x)
}
