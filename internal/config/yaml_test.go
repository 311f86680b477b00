package config

import (
	"encoding/json"
	"testing"
)

func TestToJSONFormats(t *testing.T) {
	yamlBody := []byte("telegram:\n  token: t\nstorage:\n  path: ./x.db\n")
	jb, err := toJSON("bot.yaml", yamlBody)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(jb, &got); err != nil {
		t.Fatalf("coerced output is not json: %v", err)
	}
	if _, ok := got["telegram"]; !ok {
		t.Fatalf("coerced output = %s", jb)
	}

	// JSON input passes through byte for byte.
	jsonBody := []byte(`{"telegram":{"token":"t"}}`)
	jb, err = toJSON("bot.json", jsonBody)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if string(jb) != string(jsonBody) {
		t.Fatalf("json input rewritten: %s", jb)
	}

	// Unknown extension: sniff the leading brace.
	jb, err = toJSON("bot.conf", jsonBody)
	if err != nil || string(jb) != string(jsonBody) {
		t.Fatalf("sniffed json: %s, %v", jb, err)
	}
	if _, err := toJSON("bot.conf", yamlBody); err != nil {
		t.Fatalf("sniffed yaml: %v", err)
	}
}
