package workspace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestExtractFileBlocks(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Block
	}{
		{
			name: "tagged blocks",
			raw: "Here you go.\n<file path=\"lib/main.dart\">\nvoid main() {}\n</file>\n" +
				"<file path=\"lib/src/counter.dart\">\nclass Counter {}\n</file>\n",
			want: []Block{
				{Path: "main.dart", Content: "void main() {}\n"},
				{Path: "src/counter.dart", Content: "class Counter {}\n"},
			},
		},
		{
			name: "tagged block wrapping a fence",
			raw:  "<file path=\"lib/app.dart\">\n```dart\nclass App {}\n```\n</file>",
			want: []Block{{Path: "app.dart", Content: "class App {}\n"}},
		},
		{
			name: "marker line before fence",
			raw:  "// File: lib/a.dart\n```dart\nclass A {}\n```\nsome prose\n",
			want: []Block{{Path: "a.dart", Content: "class A {}\n"}},
		},
		{
			name: "marker as first line inside fence",
			raw:  "```dart\n// File: lib/widgets/b.dart\nclass B {}\n```\n",
			want: []Block{{Path: "widgets/b.dart", Content: "class B {}\n"}},
		},
		{
			name: "fallback to entry point",
			raw:  "Sure:\n```\nplain text\n```\n```dart\nimport 'package:flutter/material.dart';\nvoid main() {}\n```\n```dart\nclass Other {}\n```\n",
			want: []Block{{Path: EntryPoint, Content: "import 'package:flutter/material.dart';\nvoid main() {}\n"}},
		},
		{
			name: "later block replaces earlier in place",
			raw: "<file path=\"lib/a.dart\">one</file><file path=\"b.dart\">two</file>" +
				"<file path=\"./lib/a.dart\">three</file>",
			want: []Block{
				{Path: "a.dart", Content: "three"},
				{Path: "b.dart", Content: "two"},
			},
		},
		{
			name: "escaping paths are dropped",
			raw:  "<file path=\"../../etc/passwd\">x</file><file path=\"/abs.dart\">y</file><file path=\"ok.dart\">z</file>",
			want: []Block{{Path: "ok.dart", Content: "z"}},
		},
		{
			name: "rejected marker path falls back to entry point",
			raw:  "// File: ../outside.dart\n```dart\nclass App {}\nvoid main() {}\n```\n",
			want: []Block{{Path: EntryPoint, Content: "class App {}\nvoid main() {}\n"}},
		},
		{
			name: "rejected tagged path falls back to marker",
			raw:  "<file path=\"/etc/app.dart\">x</file>\n// File: lib/a.dart\n```dart\nclass A {}\n```\n",
			want: []Block{{Path: "a.dart", Content: "class A {}\n"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractFileBlocks(tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractFileBlocks() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractFileBlocksNoQualifyingFence(t *testing.T) {
	assert.Empty(t, ExtractFileBlocks("```\nhello world\n```"))
	assert.Empty(t, ExtractFileBlocks("no code at all"))
	assert.Empty(t, ExtractFileBlocks(""))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"lib/main.dart", "main.dart"},
		{"./lib/src/a.dart", "src/a.dart"},
		{"src\\b.dart", "src/b.dart"},
		{" 'c.dart' ", "c.dart"},
		{"lib/a/../b.dart", ""},
		{"../x.dart", ""},
		{"/etc/passwd", ""},
		{"C:\\win.dart", ""},
		{"lib", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}
