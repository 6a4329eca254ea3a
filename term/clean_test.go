package term

import "testing"

func TestClean(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		dropFirst bool
		want      string
	}{
		{
			name:      "typical command transcript",
			raw:       "echo hi\r\nhi\r\n~/myws$ ",
			dropFirst: true,
			want:      "hi",
		},
		{
			name:      "echo already suppressed",
			raw:       "hi\r\n~/myws$ ~/myws$ ",
			dropFirst: false,
			want:      "hi",
		},
		{
			name:      "ansi sequences stripped",
			raw:       "cmd\r\n\x1b[32mgreen\x1b[0m\r\n~/myws$ ",
			dropFirst: true,
			want:      "green",
		},
		{
			name:      "multiline output preserved",
			raw:       "ls\r\na\nb\nc\n~/myws$ ",
			dropFirst: true,
			want:      "a\nb\nc",
		},
		{
			name:      "carriage return rewrite drops leading segment",
			raw:       "cmd\r\npartial\rfull line\n~/myws$ ",
			dropFirst: true,
			want:      "full line",
		},
		{
			name:      "only prompt left",
			raw:       "cmd\r\n~/myws$ ",
			dropFirst: true,
			want:      "",
		},
		{
			name:      "empty input",
			raw:       "",
			dropFirst: true,
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.raw, tt.dropFirst); got != tt.want {
				t.Errorf("Clean(%q, %v) = %q, want %q", tt.raw, tt.dropFirst, got, tt.want)
			}
		})
	}
}

func TestInputFilter(t *testing.T) {
	var f InputFilter

	// No input noted: chunks pass through untouched.
	if got := f.Apply("hello\n"); got != "hello\n" {
		t.Errorf("expected pass-through, got %q", got)
	}

	f.NoteInput("echo hi\n")
	got := f.Apply("echo hi\r\nhi\r\n")
	if got != "hi\r\n" {
		t.Errorf("expected echoed line dropped, got %q", got)
	}

	// The note is consumed: the same text later is real output.
	if got := f.Apply("echo hi\r\n"); got != "echo hi\r\n" {
		t.Errorf("expected note consumed after first match, got %q", got)
	}
}
