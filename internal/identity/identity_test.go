package identity

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	id, err := Parse("76561198000000001")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id != 76561198000000001 {
		t.Errorf("id = %d", id)
	}
	if id.String() != "76561198000000001" {
		t.Errorf("String() = %q", id.String())
	}

	for _, bad := range []string{"", "0", "-1", "STEAM_0:0:1", "abc"} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q): expected ErrInvalid, got %v", bad, err)
		}
	}
}

func TestJSONAcceptsStringAndNumber(t *testing.T) {
	var v struct {
		SteamID ID `json:"steamid"`
	}
	if err := json.Unmarshal([]byte(`{"steamid":"76561198000000001"}`), &v); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if v.SteamID != 76561198000000001 {
		t.Errorf("string form = %d", v.SteamID)
	}
	if err := json.Unmarshal([]byte(`{"steamid":76561198000000002}`), &v); err != nil {
		t.Fatalf("number form: %v", err)
	}
	if v.SteamID != 76561198000000002 {
		t.Errorf("number form = %d", v.SteamID)
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"steamid":"76561198000000002"}` {
		t.Errorf("Marshal = %s", out)
	}
}
