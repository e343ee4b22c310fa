// Package agentclient implements the agent side of the fleet control protocol.
//
// A Client answers the hub's status and variable requests on its own
// goroutine while a single worker goroutine runs login and purchase
// workflows, so control traffic is never blocked by a long-running job.
//
// # Usage
//
//	c, err := agentclient.Dial(ctx, "hub.example:9999", agentclient.Options{
//		Worker: &agentclient.Simulator{ReleaseAfter: 2},
//	})
//	if err != nil {
//		return err
//	}
//	return c.Run(ctx)
package agentclient
