// Package client is the Go client for the licensing server.
//
// A Client validates one license key for one machine against
// POST /api/validate and remembers the last verdict for CacheDuration.
// Concurrent checks share a single request. When the server cannot be
// reached the FailureMode decides whether the application unlocks.
//
//	c, err := client.New(client.Config{
//	    ServerURL:  "https://licenses.example.com",
//	    LicenseKey: key,
//	})
//	if err != nil {
//	    return err
//	}
//	ok, err := c.Validate(ctx)
//
// The hardware id defaults to this machine's fingerprint; see Fingerprinter.
package client
