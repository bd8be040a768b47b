package utils

import "testing"

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0000:17:00.0", "0000-17-00-0"},
		{"0000:17:00.2", "0000-17-00-2"},
		{"000a:41:1f.7", "000a-41-1f-7"},
		{"/dev/infiniband/uverbs0", "-dev-infiniband-uverbs0"},
		{"mellanox.com/nic", "mellanox-com-nic"},
		{"enp23s0f0np0", "enp23s0f0np0"},
		{"mlx5_0", "mlx5_0"},
		{"already-safe", "already-safe"},
		{":/.", "---"},
		{"", ""},
	}

	for _, tc := range tests {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
