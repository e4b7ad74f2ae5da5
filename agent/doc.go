// Package agent implements the model/execute conversation loop.
//
// A Loop streams a model response, watches the stream for the first
// complete fenced code block, runs that block through an executor, feeds
// the console output back into the conversation, and asks the model again.
// The turn ends when the model responds without code, the iteration cap is
// hit, the caller cancels, or the provider fails.
//
// # Quick Start
//
//	registry := executor.NewDefaultRegistry("/path/to/workdir")
//	supervisor := executor.NewSupervisor(registry, nil)
//	client := llm.NewClientFromEnv()
//
//	loop := agent.NewLoop(agent.NewLLMProvider(client), supervisor, agent.DefaultLoopConfig())
//	conv := agent.NewConversation()
//	defer registry.Close(conv.ID())
//
//	turn := loop.Run(ctx, conv, "Plot the first 10 primes")
//	for _, m := range turn.Messages() {
//	    fmt.Printf("[%s/%s] %s\n", m.Role, m.Type, m.Content)
//	}
package agent
