/*
Package client provides a Go client for the heliogrid HTTP API.

The heliogrid device commands are thin wrappers around this package. Every
method takes a context and returns the API's own response types from
pkg/api. A failed request comes back as a *types.Error whose kind is the one
the daemon reported, so callers branch with types.IsKind:

	c, err := client.NewClient("localhost:8080")
	if err != nil {
		return err
	}

	device, err := c.CreateDevice(ctx, api.CreateDeviceRequest{
		Name:     "Roof",
		Region:   "eu",
		Username: "owner@example.com",
		Password: password,
	})
	if types.IsKind(err, types.KindConfig) {
		// rejected request
	}
*/
package client
