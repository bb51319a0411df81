package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		msgID   string
		payload any
		wantErr bool
	}{
		{
			name:    "StatsSnapshot message",
			msgType: TypeStatsSnapshot,
			msgID:   "test123",
			payload: StatsSnapshot{
				ActiveSessions: 1,
				TotalBytes:     8,
				TotalSessions:  1,
				Sessions: []SessionStats{
					{SessionID: "7", Name: "demo", BytesWritten: 8},
				},
			},
			wantErr: false,
		},
		{
			name:    "Error message",
			msgType: TypeError,
			msgID:   "test456",
			payload: Error{
				Code:    "INVALID_REQUEST",
				Message: "Invalid request format",
			},
			wantErr: false,
		},
		{
			name:    "nil payload",
			msgType: "test",
			msgID:   "test000",
			payload: nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.msgID, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEnvelope() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.MsgID != tt.msgID {
				t.Errorf("NewEnvelope() MsgID = %s, want %s", env.MsgID, tt.msgID)
			}
		})
	}
}

func TestEnvelope_StatsSnapshotRoundTrip(t *testing.T) {
	started := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	original := StatsSnapshot{
		ActiveSessions: 2,
		TotalBytes:     4096,
		TotalSessions:  5,
		Sessions: []SessionStats{
			{SessionID: "5", Name: "a", StartedAt: started, BytesWritten: 1024, Chunks: 2},
			{SessionID: "9", Name: "b", StartedAt: started, BytesWritten: 3072, Chunks: 3},
		},
	}

	env, err := NewEnvelope(TypeStatsSnapshot, NewMsgID(), original)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decodedEnv Envelope
	if err := json.Unmarshal(data, &decodedEnv); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if err := decodedEnv.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() after unmarshal error = %v", err)
	}

	var decoded StatsSnapshot
	if err := decodedEnv.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if decoded.TotalBytes != original.TotalBytes || decoded.TotalSessions != original.TotalSessions {
		t.Errorf("totals = %d/%d, want %d/%d", decoded.TotalBytes, decoded.TotalSessions, original.TotalBytes, original.TotalSessions)
	}
	if len(decoded.Sessions) != 2 {
		t.Fatalf("Sessions length = %d, want 2", len(decoded.Sessions))
	}
	for i, s := range decoded.Sessions {
		if s.SessionID != original.Sessions[i].SessionID {
			t.Errorf("Sessions[%d].SessionID = %s, want %s", i, s.SessionID, original.Sessions[i].SessionID)
		}
		if !s.StartedAt.Equal(started) {
			t.Errorf("Sessions[%d].StartedAt = %v, want %v", i, s.StartedAt, started)
		}
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid envelope",
			env:     Envelope{V: ProtocolVersion, Type: TypeStatsSnapshot, MsgID: "test123"},
			wantErr: false,
		},
		{
			name:    "wrong version",
			env:     Envelope{V: 999, Type: TypeStatsSnapshot, MsgID: "test123"},
			wantErr: true,
			errMsg:  "invalid protocol version",
		},
		{
			name:    "missing type",
			env:     Envelope{V: ProtocolVersion, MsgID: "test123"},
			wantErr: true,
			errMsg:  "type is required",
		},
		{
			name:    "missing msg_id",
			env:     Envelope{V: ProtocolVersion, Type: TypeStatsSnapshot},
			wantErr: true,
			errMsg:  "msg_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBasic() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err != nil {
				if tt.errMsg != "" && err.Error()[:len(tt.errMsg)] != tt.errMsg {
					t.Errorf("ValidateBasic() error = %v, want error containing %s", err, tt.errMsg)
				}
			}
		})
	}
}

func TestEnvelope_DecodePayloadEmpty(t *testing.T) {
	env := Envelope{V: ProtocolVersion, Type: TypeStatsSnapshot, MsgID: "x"}
	var out StatsSnapshot
	if err := env.DecodePayload(&out); err == nil {
		t.Fatal("DecodePayload() expected error for empty payload")
	}
}

func TestNewMsgID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if id == "" {
			t.Fatal("NewMsgID() returned empty id")
		}
		if ids[id] {
			t.Errorf("NewMsgID() generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}
