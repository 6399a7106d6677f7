// Package agentloop implements a reason-then-execute agent loop.
//
// On every iteration the loop asks a language model for a step made of a
// thought and a code snippet, runs the snippet through an Executor, and feeds
// the result back to the model as an observation. A run ends when the executed
// code prints the final-answer sentinel
//
//	<SYSTEM>Final answer is ...<SYSTEM>
//
// or when the iteration budget is spent.
//
// # Architecture
//
//   - ResponseParser: raw model text to a validated Step, via a structured
//     JSON path or a "Thought:"/"Code:" fallback path.
//   - CodeBlockValidator: extracts the first fenced block and checks its
//     syntax with a pluggable SyntaxChecker.
//   - ExecutionDispatcher: runs code on an Executor and normalizes the result
//     into an Observation, detecting the final answer.
//   - ConversationState: the ordered message log of one run.
//   - Loop: owns the state for a run and drives the cycle to a terminal
//     outcome.
//
// The loop uses the unifiedllm Client through the Completer interface.
//
// # Quick Start
//
//	prompt, _ := agentloop.BuildSystemPrompt(nil, []agentloop.ToolDescriptor{agentloop.FinalAnswerTool}, "")
//	cfg := agentloop.DefaultLoopConfig()
//	cfg.SystemPrompt = prompt
//
//	loop, err := agentloop.NewLoop(cfg, client, agentloop.NewLocalExecutor(""))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	res, err := loop.Run(ctx, "What is 2**10?")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Status, res.FinalAnswer)
package agentloop
