package repositorycache

import "testing"

func TestToSnake(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"User", "user"},
		{"testUser", "test_user"},
		{"UserProfile", "user_profile"},
		{"HTTPClient", "http_client"},
		{"OrderV2", "order_v_2"},
		{"User2FA", "user_2_fa"},
		{"already_snake", "already_snake"},
		{"with-dash", "with_dash"},
		{"Page[main.User]", "page_main_user"},
		{"__x__", "x"},
		{"[]", ""},
	}

	for _, tt := range tests {
		if got := toSnake(tt.in); got != tt.want {
			t.Errorf("toSnake(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
