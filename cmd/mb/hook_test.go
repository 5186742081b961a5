package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestPreToolUse(t *testing.T) {
	viper.Set("workspace", t.TempDir())
	viper.Set("server", "")
	t.Cleanup(viper.Reset)

	cases := []struct {
		name  string
		input string
		code  int
	}{
		{"reviewer write", `{"tool_name":"Write","tool_input":{"file_path":"main.go"},"agent_type":"ai-team:lynch"}`, 2},
		{"tester writes test", `{"tool_name":"Write","tool_input":{"file_path":"a_test.go"},"agent_type":"ai-team:murdock"}`, 0},
		{"implementer edits test", `{"tool_name":"Edit","tool_input":{"file_path":"pkg/a_test.go"},"teammate_name":"BA"}`, 2},
		{"unknown agent", `{"tool_name":"Write","tool_input":{"file_path":"main.go"},"agent_type":"someone"}`, 0},
		{"unmapped tool", `{"tool_name":"WebFetch","tool_input":{},"agent_type":"ai-team:lynch"}`, 0},
		{"garbage", `not json`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := runPreToolUse(context.Background(), strings.NewReader(tc.input))
			if tc.code == 0 {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				return
			}
			var ee *exitError
			if !errors.As(err, &ee) || ee.code != tc.code {
				t.Fatalf("expected exit %d, got %v", tc.code, err)
			}
			if !strings.Contains(ee.msg, "may not") {
				t.Fatalf("reason missing from %q", ee.msg)
			}
		})
	}
}
