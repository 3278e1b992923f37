package moderation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"yorkiexchange/internal/validation"
)

// metadata is implemented by one struct per action. Unknown fields are
// rejected when decoding.
type metadata interface {
	check() error
}

type NoteMeta struct {
	Note string `json:"note,omitempty" validate:"omitempty,max=1000"`
}

func (m *NoteMeta) check() error { return validation.Struct(m) }

type ApproveListingMeta struct {
	Note string `json:"note,omitempty" validate:"omitempty,max=1000"`
}

func (m *ApproveListingMeta) check() error { return validation.Struct(m) }

type ReasonMeta struct {
	Reason   string `json:"reason,omitempty" validate:"omitempty,max=500"`
	Note     string `json:"note,omitempty" validate:"omitempty,max=1000"`
	ReportID string `json:"reportId,omitempty" validate:"omitempty,max=128"`
}

func (m *ReasonMeta) check() error { return validation.Struct(m) }

type CloseReportMeta struct {
	Resolution string `json:"resolution,omitempty" validate:"omitempty,oneof=actioned dismissed duplicate"`
	Note       string `json:"note,omitempty" validate:"omitempty,max=1000"`
}

func (m *CloseReportMeta) check() error { return validation.Struct(m) }

type BanUserMeta struct {
	Reason   string     `json:"reason,omitempty" validate:"omitempty,max=500"`
	Note     string     `json:"note,omitempty" validate:"omitempty,max=1000"`
	Until    *time.Time `json:"until,omitempty"`
	ReportID string     `json:"reportId,omitempty" validate:"omitempty,max=128"`
}

func (m *BanUserMeta) check() error {
	if err := validation.Struct(m); err != nil {
		return err
	}
	if m.Until != nil && m.Until.IsZero() {
		return fmt.Errorf("until: invalid")
	}
	return nil
}

// decodeMetadata strictly decodes raw into the action's metadata struct and
// returns its canonical JSON. Absent or null metadata encodes as "{}".
func decodeMetadata(def actionDef, raw json.RawMessage) (json.RawMessage, error) {
	m := def.metadata()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, fmt.Errorf("metadata must be an object")
		}
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(m); err != nil {
			return nil, err
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, fmt.Errorf("trailing data after metadata")
		}
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}
