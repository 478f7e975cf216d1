/*
Package clients provides a Go client for the engine HTTP API.

EngineClient implements api.EngineProvider. Failed calls are returned as
*api.CallError, which unwraps to the interfaces sentinel of the failure kind:

	client := clients.NewEngineClient("http://127.0.0.1:8080")
	res, err := client.Handle(ctx, req)
	if errors.Is(err, interfaces.ErrBusy) {
	    // retry later
	}

SubmitShare and BootstrapStatus talk to the admin API of a node recovering
its seed.
*/
package clients
