// Package agent contains the closed set of agent variants a workflow can
// declare and the constructor that builds them from configuration.
//
// Variants:
//
//  1. Responder: answers from its instruction and the conversation window
//  2. Retrieval: requests passages, then answers grounded in them with citations
//  3. Tool: asks the model to call one of its declared tools
//  4. Terminator: decides whether the conversation is finished
//
// Design principles:
//   - Agents are stateless between turns; private state travels in
//     TurnContext.Memory and Output.Memory
//   - Model failures are upstream failures, uninterpretable output is
//     malformed output; the orchestrator decides about retries
//   - Each variant implements core.Agent through a single Act method
package agent
