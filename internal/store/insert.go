package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/edrcore/core/internal/event"
)

// insertOne inserts env's payload into its per-kind table (plus, for
// HookEvent, the matching detail table) and returns the assigned row id.
// Unrecognized-but-forward-compatible payloads (event.GenericEvent) go into
// generic_event keyed by their raw wire kind.
func insertOne(ctx context.Context, tx *sql.Tx, env event.Envelope) (int64, error) {
	switch p := env.Payload.(type) {
	case event.FileEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO file_event (sensor_guid, ts, op, path, new_path, pid, exe_path, size, sha256, success)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.Op, p.Path, p.NewPath, p.PID, p.ExePath, p.Size, nullableBytes(p.SHA256), p.Success)
		if err != nil {
			return 0, fmt.Errorf("insert file_event: %w", err)
		}
		return res.LastInsertId()

	case event.NetworkEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO network_event (sensor_guid, ts, direction, proto, src_ip, src_port, dst_ip, dst_port, pid, exe_path, bytes, blocked)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.Direction, p.Proto, p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, p.PID, p.ExePath, p.Bytes, p.Blocked)
		if err != nil {
			return 0, fmt.Errorf("insert network_event: %w", err)
		}
		return res.LastInsertId()

	case event.ProcessEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO process_event (sensor_guid, ts, pid, ppid, image_path, cmdline) VALUES (?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.PID, p.PPID, p.Image, p.Cmdline)
		if err != nil {
			return 0, fmt.Errorf("insert process_event: %w", err)
		}
		return res.LastInsertId()

	case event.ScanResult:
		matchesJSON, err := json.Marshal(p.Matches)
		if err != nil {
			return 0, fmt.Errorf("marshal scan_result matches: %w", err)
		}
		var originID any
		if p.OriginEventID != 0 {
			originID = p.OriginEventID
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO file_scanner (rule_id, file, severity, matches, origin_event_id) VALUES (?, ?, ?, ?, ?)`,
			p.RuleID, p.FilePath, p.Severity.String(), string(matchesJSON), originID)
		if err != nil {
			return 0, fmt.Errorf("insert file_scanner: %w", err)
		}
		return res.LastInsertId()

	case event.EtwEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO etw_event (sensor_guid, ts, provider_guid, event_id, level, pid, tid, json_payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.ProviderGUID, p.EventID, p.Level, p.PID, p.TID, p.JSONPayload)
		if err != nil {
			return 0, fmt.Errorf("insert etw_event: %w", err)
		}
		return res.LastInsertId()

	case event.HookEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO hook_event (sensor_guid, ts, pid, tid, status, kind) VALUES (?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.PID, p.TID, p.Status, p.Kind)
		if err != nil {
			return 0, fmt.Errorf("insert hook_event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if err := insertHookDetail(ctx, tx, id, p); err != nil {
			return 0, err
		}
		return id, nil

	case event.ImageLoadEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO image_load_event (sensor_guid, ts, image_base, image_size, full_image_name, process_id)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.ImageBase, p.ImageSize, p.FullImageName, p.ProcessID)
		if err != nil {
			return 0, fmt.Errorf("insert image_load_event: %w", err)
		}
		return res.LastInsertId()

	case event.RegistryEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO registry_event (sensor_guid, ts, op, key_path, old_value, new_value, process_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.Op, p.KeyPath, nullableBytes(p.OldValue), nullableBytes(p.NewValue), p.ProcessID)
		if err != nil {
			return 0, fmt.Errorf("insert registry_event: %w", err)
		}
		return res.LastInsertId()

	case event.GenericEvent:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO generic_event (sensor_guid, ts, payload_kind, raw) VALUES (?, ?, ?, ?)`,
			env.SensorGUID, env.TS, p.RawKind, p.Payload)
		if err != nil {
			return 0, fmt.Errorf("insert generic_event: %w", err)
		}
		return res.LastInsertId()

	default:
		return 0, fmt.Errorf("insert: unsupported payload type %T", p)
	}
}

func insertHookDetail(ctx context.Context, tx *sql.Tx, hookEventID int64, p event.HookEvent) error {
	switch p.Kind {
	case event.HookNtCreateThreadEx:
		if p.CreateThreadEx == nil {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hook_detail_create_thread_ex (hook_event_id, target_pid, start_address) VALUES (?, ?, ?)`,
			hookEventID, p.CreateThreadEx.TargetPID, p.CreateThreadEx.StartAddress)
		return err
	case event.HookNtMapViewOfSection:
		if p.MapViewOfSection == nil {
			return nil
		}
		d := p.MapViewOfSection
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hook_detail_map_view_of_section (hook_event_id, target_pid, base_addr, view_size, protection) VALUES (?, ?, ?, ?, ?)`,
			hookEventID, d.TargetPID, d.BaseAddr, d.ViewSize, d.Protection)
		return err
	case event.HookNtProtectVirtualMemory:
		if p.ProtectVirtualMem == nil {
			return nil
		}
		d := p.ProtectVirtualMem
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hook_detail_protect_virtual_memory (hook_event_id, target_pid, base_addr, region_size, new_protection, old_protection) VALUES (?, ?, ?, ?, ?, ?)`,
			hookEventID, d.TargetPID, d.BaseAddr, d.RegionSize, d.NewProtection, d.OldProtection)
		return err
	case event.HookNtSetValueKey:
		if p.SetValueKey == nil {
			return nil
		}
		d := p.SetValueKey
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hook_detail_set_value_key (hook_event_id, key_path, value_name, value_type) VALUES (?, ?, ?, ?)`,
			hookEventID, d.KeyPath, d.ValueName, d.ValueType)
		return err
	default:
		return fmt.Errorf("insert hook detail: unrecognized kind %v", p.Kind)
	}
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
