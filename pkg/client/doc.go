/*
Package client is the REST client of the docqa backend.

Every request carries the current bearer token from a TokenSource.
Non-2xx responses are returned as *APIError; IsNotFound recognises a
404. Fetch maps a cache key to the list endpoint that populates it.

	c := client.NewClient("http://localhost:8000",
		client.WithTokenSource(auth.Static(token)),
		client.WithTimeout(10*time.Second),
	)
	workspaces, err := c.ListWorkspaces(ctx)
*/
package client
