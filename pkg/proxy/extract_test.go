package proxy

import (
	"errors"
	"testing"
)

func TestExtractInputText(t *testing.T) {
	tests := []struct {
		name string
		body string
		ct   string
		want string
	}{
		{name: "prompt", body: `{"prompt":"Hello world"}`, ct: "application/json", want: "Hello world"},
		{name: "messages", body: `{"messages":[{"role":"user","content":"Hi"},{"role":"assistant","content":"there"}]}`, ct: "application/json", want: "Hi there"},
		{name: "messages win over prompt", body: `{"prompt":"p","messages":[{"content":"m"}]}`, ct: "application/json", want: "m"},
		{name: "empty messages", body: `{"messages":[],"prompt":"ignored"}`, ct: "application/json", want: ""},
		{name: "missing content joins empty", body: `{"messages":[{"role":"user"},{"content":"b"}]}`, ct: "application/json", want: " b"},
		{name: "content parts", body: `{"messages":[{"content":[{"type":"text","text":"a"},{"type":"image_url"},{"type":"text","text":"b"}]}]}`, ct: "application/json", want: "a b"},
		{name: "prompt list", body: `{"prompt":["one","two"]}`, ct: "application/json", want: "one two"},
		{name: "empty object", body: `{}`, ct: "application/json", want: ""},
		{name: "charset param", body: `{"prompt":"x"}`, ct: "application/json; charset=utf-8", want: "x"},
		{name: "not json content type", body: `{"prompt":"x"}`, ct: "text/plain", want: ""},
		{name: "invalid json", body: `{"prompt":`, ct: "application/json", want: ""},
		{name: "no body", body: ``, ct: "application/json", want: ""},
	}
	for _, tc := range tests {
		if got := ExtractInputText([]byte(tc.body), tc.ct); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestExtractResponseTextShapes(t *testing.T) {
	got, err := ExtractResponseText([]byte(`{"choices":[{"text":"Paris is"},{"text":"the capital"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Shape != ShapeCompletion || got.Text != "Paris is the capital" {
		t.Fatalf("unexpected completion result: %+v", got)
	}

	got, err = ExtractResponseText([]byte(`{"choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Shape != ShapeChat || got.Text != "Hello!" {
		t.Fatalf("unexpected chat result: %+v", got)
	}

	got, err = ExtractResponseText([]byte(`{"result":"ok"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Shape != ShapeUnknown || got.Text != "" {
		t.Fatalf("unexpected unknown result: %+v", got)
	}
}

func TestExtractResponseTextErrors(t *testing.T) {
	if _, err := ExtractResponseText([]byte("plain text output")); !errors.Is(err, ErrNotStructured) {
		t.Fatalf("expected ErrNotStructured, got %v", err)
	}
	if _, err := ExtractResponseText(nil); !errors.Is(err, ErrNotStructured) {
		t.Fatalf("expected ErrNotStructured for empty body, got %v", err)
	}
	_, err := ExtractResponseText([]byte(`{"choices": [}`))
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestExtractStreamText(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: [DONE]\n\n"
	got := ExtractStreamText([]byte(body))
	if got.Shape != ShapeChat || got.Text != "Hello" {
		t.Fatalf("unexpected stream result: %+v", got)
	}

	got = ExtractStreamText([]byte("data: {\"choices\":[{\"text\":\"a\"}]}\n\ndata: {\"choices\":[{\"text\":\"b\"}]}\n\n"))
	if got.Shape != ShapeCompletion || got.Text != "ab" {
		t.Fatalf("unexpected completion stream result: %+v", got)
	}
}

func TestContentTypeHelpers(t *testing.T) {
	if !isJSONContentType("application/vnd.api+json") {
		t.Fatal("expected +json to be treated as json")
	}
	if isJSONContentType("text/html") {
		t.Fatal("expected text/html not to be json")
	}
	if !isEventStreamContentType("text/event-stream; charset=utf-8") {
		t.Fatal("expected event stream content type")
	}
}
