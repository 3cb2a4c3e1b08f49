package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *ShellValidator {
	return NewShellValidator("com.roostlabs.agent", []string{
		"com.facebook.katana",
		"com.samsung.android.bixby.agent",
		"com.netflix.mediaclient",
	})
}

// TestShellValidateAllowList exercises the allow-list one shape at a time.
func TestShellValidateAllowList(t *testing.T) {
	tests := []struct {
		name    string
		command string
		ok      bool
	}{
		{"monkey launcher", "monkey -p com.example.app -c android.intent.category.LAUNCHER 1", true},
		{"am start activity", "am start -n com.example.app/com.example.app.MainActivity", true},
		{"pm list bare", "pm list packages", true},
		{"pm list flags", "pm list packages -e -3", true},
		{"pm path", "pm path com.example.app", true},
		{"settings get", "settings get global airplane_mode_on", true},
		{"settings put", "settings put system screen_brightness 128", true},
		{"input keyevent", "input keyevent 26", true},
		{"input tap", "input tap 540 960", true},
		{"input swipe", "input swipe 100 800 100 200", true},
		{"input swipe with duration", "input swipe 100 800 100 200 300", true},
		{"svc wifi", "svc wifi enable", true},
		{"svc data off", "svc data disable", true},
		{"getprop allowed", "getprop ro.product.model", true},
		{"jobscheduler", "cmd jobscheduler run -f com.example.app 101", true},
		{"disable-user bloatware", "pm disable-user --user 0 com.facebook.katana", true},
		{"chained links", "svc wifi disable && svc wifi enable", true},

		{"empty", "", false},
		{"arbitrary binary", "rm -rf /data", false},
		{"pm uninstall", "pm uninstall com.example.app", false},
		{"pm list unknown flag", "pm list packages -x", false},
		{"getprop arbitrary", "getprop ro.secure", false},
		{"settings secret namespace", "settings get secret some_key", false},
		{"disable-user not listed", "pm disable-user --user 0 com.example.app", false},
		{"pipe", "pm list packages | grep facebook", false},
		{"semicolon", "svc wifi enable; rm -rf /", false},
		{"subshell", "input keyevent $(id)", false},
		{"backtick", "input keyevent `id`", false},
		{"redirect", "settings get global adb_enabled > /sdcard/x", false},
		{"newline smuggle", "svc wifi enable\nrm -rf /", false},
		{"chained bad link", "svc wifi enable && reboot now", false},
		{"dangling chain", "svc wifi enable &&", false},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.command)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				var rej *ErrShellRejected
				assert.ErrorAs(t, err, &rej)
			}
		})
	}
}

func TestBloatwareScriptRoundTrip(t *testing.T) {
	v := newTestValidator()

	script, err := v.BuildBloatwareScript([]string{
		"com.facebook.katana",
		"com.netflix.mediaclient",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(script, `TMP_DIR="/data/data/com.roostlabs.agent/files"`))

	// The generated script validates both via the dedicated entry point
	// and the general Validate front door
	pkgs, err := v.ValidateBloatwareScript(script)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.facebook.katana", "com.netflix.mediaclient"}, pkgs)
	assert.NoError(t, v.Validate(script))

	// A trailing newline from transport framing is tolerated
	_, err = v.ValidateBloatwareScript(script + "\n")
	assert.NoError(t, err)
}

func TestBloatwareScriptRejections(t *testing.T) {
	v := newTestValidator()

	valid, err := v.BuildBloatwareScript([]string{"com.facebook.katana"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		script string
	}{
		{"tampered body", strings.Replace(valid, "pm disable-user", "pm uninstall", 1)},
		{"injected line", strings.Replace(valid, "count=0; failed=0\n", "count=0; failed=0\nrm -rf /data\n", 1)},
		{"package not listed", strings.Replace(valid, "com.facebook.katana", "com.example.app", 1)},
		{"heredoc missing", `TMP_DIR="/data/data/com.roostlabs.agent/files"` + "\nrm -rf /\n"},
		{"wrong temp dir", strings.Replace(valid, "com.roostlabs.agent", "com.other.agent", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateBloatwareScript(tt.script)
			var rej *ErrShellRejected
			assert.ErrorAs(t, err, &rej)
		})
	}
}

func TestBuildBloatwareScriptInput(t *testing.T) {
	v := newTestValidator()

	_, err := v.BuildBloatwareScript(nil)
	assert.Error(t, err)

	_, err = v.BuildBloatwareScript([]string{"not a package"})
	assert.Error(t, err)

	_, err = v.BuildBloatwareScript([]string{"com.example.app"})
	assert.Error(t, err, "package outside the bloatware table")
}
