package provider

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildParts_PromptOnly(t *testing.T) {
	parts := buildParts("analyze", nil, nil)
	if len(parts) != 1 || parts[0].Text != "analyze" {
		t.Fatalf("expected a single prompt part, got %+v", parts)
	}
}

func TestBuildParts_KindOrderKeepsInputOrder(t *testing.T) {
	attachments := []Attachment{
		{Kind: AttachmentVideo, MIMEType: "video/mp4", Data: []byte("v1")},
		{Kind: AttachmentImage, MIMEType: "image/png", Data: []byte("i1")},
		{Kind: AttachmentAudio, MIMEType: "audio/wav", Data: []byte("a1")},
		{Kind: AttachmentImage, MIMEType: "image/jpeg", Data: []byte("i2")},
		{Kind: AttachmentImage, MIMEType: "image/gif"},
	}

	parts := buildParts("p", attachments, nil)

	want := []string{"i1", "i2", "v1", "a1"}
	if len(parts) != len(want)+1 {
		t.Fatalf("expected %d parts, got %d", len(want)+1, len(parts))
	}
	for i, data := range want {
		got := parts[i+1].InlineData
		if got == nil || string(got.Data) != data {
			t.Errorf("part %d: expected %q, got %+v", i+1, data, got)
		}
	}
}

func TestBuildParts_URLContextLast(t *testing.T) {
	parts := buildParts("p",
		[]Attachment{{Kind: AttachmentImage, MIMEType: "image/png", Data: []byte("i")}},
		[]URLContent{
			{URL: "https://ok.example", Text: "sector times"},
			{URL: "https://down.example", Err: errors.New("status 503")},
		})

	last := parts[len(parts)-1]
	if last.InlineData != nil {
		t.Fatal("expected URL context to be the final text part")
	}
	for _, want := range []string{
		"--- URL CONTEXT ---",
		"Source: https://ok.example",
		"sector times",
		"[unable to fetch https://down.example: status 503]",
	} {
		if !strings.Contains(last.Text, want) {
			t.Errorf("URL context missing %q:\n%s", want, last.Text)
		}
	}
}

func TestCallHasMedia(t *testing.T) {
	if (Call{Attachments: []Attachment{{Kind: AttachmentImage}}}).HasMedia() {
		t.Error("images alone should not need the media budget")
	}
	if !(Call{Attachments: []Attachment{{Kind: AttachmentAudio}}}).HasMedia() {
		t.Error("audio should need the media budget")
	}
}
