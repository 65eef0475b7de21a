// Package bootstrap builds the correlation engine from its configuration and
// manages its lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Start(); err != nil {
//	    app.Shutdown()
//	    log.Fatal(err)
//	}
//	app.WaitForShutdown()
//	app.Shutdown()
package bootstrap
