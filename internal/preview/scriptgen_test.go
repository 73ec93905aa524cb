package preview

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/sandbox"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

// scriptAgent stands in for the one-shot agent: it writes script into the
// directory it was launched in and exits.
type scriptAgent struct {
	script string
	spec   sandbox.Spec
}

func (a *scriptAgent) Launch(_ context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	a.spec = spec
	if a.script != "" {
		if err := os.WriteFile(filepath.Join(spec.Dir, ScriptName), []byte(a.script), 0o644); err != nil {
			return nil, err
		}
	}
	p := newFakeProc()
	p.exit(0)
	return &sandbox.Handle{Process: p, Mode: sandbox.ModeDirect}, nil
}

func newTestGenerator(t *testing.T, agent *scriptAgent) *AgentScriptGenerator {
	g := NewAgentScriptGenerator(agent, t.TempDir(), logger.NewTestLogger(t))
	g.AgentCommand = "agent"
	return g
}

func TestScriptPath(t *testing.T) {
	assert.Equal(t, "/work/t1/.logs/m1.preview.sh", ScriptPath("/work/t1/m1"))
	assert.Equal(t, "/work/t1/.logs/m1.preview.sh", ScriptPath("/work/t1/m1/"))
}

func TestGenerate_InstallsScriptOutsideArtifact(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "t1", "m1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))

	agent := &scriptAgent{script: "npm install && exec npm run dev -- --port \"$PORT\"\n"}
	g := newTestGenerator(t, agent)

	cmd, err := g.Generate(context.Background(), ScriptRequest{TaskID: "t1", ModelID: "m1", Dir: dir})
	require.NoError(t, err)

	script := filepath.Join(root, "t1", ".logs", "m1.preview.sh")
	assert.Equal(t, "sh '"+script+"'", cmd)
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Equal(t, agent.script, string(data))

	// the artifact is left exactly as the run produced it
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "package.json", entries[0].Name())

	// the agent worked on a scratch copy that is gone afterwards
	assert.NotEqual(t, dir, agent.spec.Dir)
	assert.NoDirExists(t, agent.spec.Dir)
}

func TestGenerate_NoScript(t *testing.T) {
	dir := t.TempDir()
	g := newTestGenerator(t, &scriptAgent{script: "  \n"})

	cmd, err := g.Generate(context.Background(), ScriptRequest{TaskID: "t1", ModelID: "m1", Dir: dir})
	require.NoError(t, err)
	assert.Empty(t, cmd)
	assert.NoFileExists(t, ScriptPath(dir))
}

func TestGenerate_RequiresAgentCommand(t *testing.T) {
	g := NewAgentScriptGenerator(&scriptAgent{}, t.TempDir(), logger.NewNop())
	_, err := g.Generate(context.Background(), ScriptRequest{TaskID: "t1", ModelID: "m1", Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/a b/c'`, shellQuote("/a b/c"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
