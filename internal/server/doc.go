// Package server wires the plugin runtime into an HTTP service.
//
// Server Lifecycle:
//  1. Load configuration from the environment
//  2. Initialize logger and metrics
//  3. Build the goja sandbox factory, host method catalog and collaborators
//  4. Create the registry and runtime manager
//  5. Setup HTTP routes, the status stream and middleware
//  6. Start: seed the registry from PLUGINS_DIR and start reconciling
//  7. Run until Shutdown destroys every runtime host
//
// Example Usage:
//
//	cfg, err := config.Load()
//	srv, err := server.NewServer(cfg)
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Run()
//	<-ctx.Done()
//	srv.Shutdown(context.Background())
package server
