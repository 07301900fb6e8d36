package siegenia

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		command Document
		params  Document
		want    map[string]any
	}{
		{
			name:    "named command",
			command: newCommand(CommandGetDeviceState),
			want:    map[string]any{"command": "getDeviceState", "id": float64(7)},
		},
		{
			name:    "with params",
			command: newCommand(CommandKeepAlive),
			params:  keepAliveParams(),
			want: map[string]any{
				"command": "keepAlive",
				"params":  map[string]any{"extend_session": true},
				"id":      float64(7),
			},
		},
		{
			name:    "command object fields kept",
			command: loginCommand("u", "p"),
			want: map[string]any{
				"command": "login", "user": "u", "password": "p", "long_life": false, "id": float64(7),
			},
		},
		{
			name:    "id cannot be overridden",
			command: Document{"command": "x", "id": 99},
			want:    map[string]any{"command": "x", "id": float64(7)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeRequest(7, tt.command, tt.params)
			if err != nil {
				t.Fatalf("encodeRequest() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("envelope = %v, want %v", got, tt.want)
			}
			for k, want := range tt.want {
				gotJSON, _ := json.Marshal(got[k])
				wantJSON, _ := json.Marshal(want)
				if string(gotJSON) != string(wantJSON) {
					t.Errorf("%s = %s, want %s", k, gotJSON, wantJSON)
				}
			}
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantID    int64
		wantHasID bool
	}{
		{name: "response", raw: `{"id":3,"status":"ok","data":{}}`, wantID: 3, wantHasID: true},
		{name: "push", raw: `{"event":"stateChanged"}`},
		{name: "fractional id", raw: `{"id":1.5}`},
		{name: "string id", raw: `{"id":"1"}`},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "array", raw: `[1]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := decodeFrame([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Errorf("decodeFrame() error = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame() error = %v", err)
			}
			id, ok := frameID(frame)
			if ok != tt.wantHasID || id != tt.wantID {
				t.Errorf("frameID() = %d, %v, want %d, %v", id, ok, tt.wantID, tt.wantHasID)
			}
		})
	}
}

func TestDocumentAccessors(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(`{
		"systemname": "Living room",
		"fanlevel": 3,
		"active": true,
		"airbase": {"temperature": {"indoor": 21.5, "outdoor": 8}},
		"list": [1, 2]
	}`), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := doc.String("systemname"); got != "Living room" {
		t.Errorf("String(systemname) = %q", got)
	}
	if got := doc.String("fanlevel"); got != "" {
		t.Errorf("String(fanlevel) = %q, want empty", got)
	}
	if v, ok := doc.Float("fanlevel"); !ok || v != 3 {
		t.Errorf("Float(fanlevel) = %v, %v", v, ok)
	}
	if _, ok := doc.Float("missing"); ok {
		t.Error("Float(missing) ok = true")
	}
	if b, ok := doc.Bool("active"); !ok || !b {
		t.Errorf("Bool(active) = %v, %v", b, ok)
	}
	if doc.Map("fanlevel") != nil {
		t.Error("Map(fanlevel) != nil")
	}

	flat := doc.Flatten()
	if v := flat["airbase.temperature.indoor"]; v != 21.5 {
		t.Errorf("flat[airbase.temperature.indoor] = %v, want 21.5", v)
	}
	if _, ok := flat["airbase"]; ok {
		t.Error("Flatten kept intermediate object")
	}
	if _, ok := flat["list"].([]any); !ok {
		t.Errorf("flat[list] = %T, want []any", flat["list"])
	}

	clone := doc.Clone()
	clone.Map("airbase").Map("temperature")["indoor"] = 0.0
	if v, _ := doc.Map("airbase").Map("temperature").Float("indoor"); v != 21.5 {
		t.Errorf("Clone shares nested maps: indoor = %v", v)
	}
}

func TestAsDocument(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{name: "object", in: map[string]any{"a": 1.0}, want: 1},
		{name: "nil", in: nil, want: 0},
		{name: "array", in: []any{1.0}, want: 0},
		{name: "string", in: "ok", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsDocument(tt.in)
			if got == nil {
				t.Fatal("AsDocument() = nil")
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestIsResponse(t *testing.T) {
	tests := []struct {
		name  string
		frame Document
		want  bool
	}{
		{"late reply", Document{"id": float64(12), "status": "ok"}, true},
		{"device push", Document{"command": "deviceState", "data": map[string]any{}}, false},
		{"string id", Document{"id": "12", "command": "deviceState"}, false},
		{"fractional id", Document{"id": 1.5}, false},
		{"null id", Document{"id": nil, "command": "deviceState"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsResponse(tt.frame); got != tt.want {
				t.Errorf("IsResponse(%v) = %v, want %v", tt.frame, got, tt.want)
			}
		})
	}
}
