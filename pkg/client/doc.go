// Package client provides a Go SDK for the Task Queue API.
//
// The client is a thin, typed wrapper over net/http and provides typed
// methods for all API operations, plus a WebSocket client for real-time
// event streaming.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Submit a task
//	t, err := c.SubmitTask(ctx, client.CreateTaskRequest{
//	    Type: "email",
//	    Payload: map[string]interface{}{
//	        "to":      "user@example.com",
//	        "subject": "Hello",
//	    },
//	})
//
// # WebSocket Events
//
//	err := c.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Credential Coordinator
//
// When the server is configured with an upstream OAuth dependency, its
// refresh status can be inspected and invalidated remotely:
//
//	status, err := c.GetCoordinatorStatus(ctx)
//	if err == nil && status.IsRefreshing {
//	    fmt.Println("token refresh in flight")
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
