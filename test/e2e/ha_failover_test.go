package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/test/framework"
)

// TestSyncStandbyFailureAndRecovery covers synchronous-standby loss:
// a Sync standby is partitioned (here, killed outright — the stronger
// case), commits continue once the primary degrades it to Failing,
// and the standby catches up after reconnecting.
func TestSyncStandbyFailureAndRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping replication failover test in short mode")
	}

	cluster := framework.NewCluster(t.TempDir())
	primary, err := cluster.StartPrimary("primary", []framework.StandbyEntry{
		{NodeName: "standby-1", Sync: "Sync"},
	})
	require.NoError(t, err)

	standby, err := cluster.StartStandby("standby-1", primary.ReplicationAddr())
	require.NoError(t, err)
	defer cluster.Stop()

	primaryClient, err := primary.Client()
	require.NoError(t, err)
	standbyClient, err := standby.Client()
	require.NoError(t, err)

	waiter := framework.DefaultWaiter()
	baselineCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	baseline, err := primaryClient.CreateBlog("http://before-partition")
	require.NoError(t, err)
	require.NoError(t, waiter.WaitForBlogVisible(baselineCtx, standbyClient, baseline.Id))

	// Kill the standby process outright: a harder failure than a
	// network partition, but one that still must not wedge the
	// primary's commit pipeline.
	require.NoError(t, standby.Process.Kill())
	standby.CloseClient()

	// The primary must still accept commits once it degrades the now-
	// unreachable Sync standby to Failing, rather than blocking
	// indefinitely.
	duringOutage, err := primaryClient.CreateBlog("http://during-outage")
	require.NoError(t, err, "commit must not block forever while the sync standby is down")

	require.NoError(t, primary.Process.WaitForLog("degrading to Failing", 10*time.Second),
		"primary log:\n%s", primary.Process.Logs())

	// A second write confirms the primary keeps making progress after
	// the degrade, not just tolerating the one commit that triggered it.
	afterDegrade, err := primaryClient.CreateBlog("http://after-degrade")
	require.NoError(t, err)

	// Bring the standby back up against its existing data directory
	// and config; it must reconnect and resync from its own
	// lastAppliedLSN rather than requiring a fresh seed.
	require.NoError(t, standby.Process.Start())
	require.NoError(t, standby.Process.WaitForLog("execution endpoint listening", 15*time.Second))

	recoveredClient, err := standby.Client()
	require.NoError(t, err)

	catchUpCtx, cancel2 := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel2()
	require.NoError(t, waiter.WaitForBlogVisible(catchUpCtx, recoveredClient, duringOutage.Id))
	require.NoError(t, waiter.WaitForBlogVisible(catchUpCtx, recoveredClient, afterDegrade.Id))
}

// TestPrimaryDeliversWithoutStandbys confirms a primary configured
// with no standbys at all still commits writes normally — group
// commit and the commit pipeline don't depend on replication being
// configured.
func TestPrimaryDeliversWithoutStandbys(t *testing.T) {
	cluster := framework.NewCluster(t.TempDir())
	primary, err := cluster.StartPrimary("solo-primary", nil)
	require.NoError(t, err)
	defer cluster.Stop()

	client, err := primary.Client()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := client.CreateBlog("http://solo")
		require.NoError(t, err)
	}
}
