package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/akiyatamashii/tofubot/tofubot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := tofubot.Version
	originalCommitSHA := tofubot.CommitSHA
	originalBuildTime := tofubot.BuildTime

	t.Cleanup(
		func() {
			tofubot.Version = originalVersion
			tofubot.CommitSHA = originalCommitSHA
			tofubot.BuildTime = originalBuildTime
		},
	)

	tofubot.Version = "1.2.0"
	tofubot.CommitSHA = "f00dcafe"
	tofubot.BuildTime = "2024-06-01T09:30:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)
	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		tofubot.Version,
		tofubot.CommitSHA,
		tofubot.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
