package node

import (
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// Test that the chama node can build with default flag values.
func TestNode_Builds(t *testing.T) {
	app := cli.App{}
	set := flag.NewFlagSet("test", 0)
	set.String("datadir", t.TempDir()+"/datadir", "the node data directory")
	set.Bool("disable-monitoring", true, "disable monitoring")
	cliCtx := cli.NewContext(&app, set, nil)
	cliCtx.Context = context.Background()

	n, err := New(cliCtx)
	require.NoError(t, err, "Failed to create ChamaNode")
	n.Close()
}

func TestNode_ForceClearDB(t *testing.T) {
	app := cli.App{}
	set := flag.NewFlagSet("test", 0)
	set.String("datadir", t.TempDir()+"/datadir", "the node data directory")
	set.Bool("disable-monitoring", true, "disable monitoring")
	set.Bool("force-clear-db", true, "force clear db")
	cliCtx := cli.NewContext(&app, set, nil)
	cliCtx.Context = context.Background()

	n, err := New(cliCtx)
	require.NoError(t, err)
	n.Close()
}
