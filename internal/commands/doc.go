// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands provides the slash command interpreter for chat input.
//
// Input is a command iff it starts with "/". The interpreter validates the
// command against the active conversation state and the model catalog,
// producing one of three outcomes: NotACommand (pass the text through as a
// chat message), Applied (a validated state delta plus confirmation text),
// or Rejected (a readable reason, no state change). Commands never trigger
// a provider call.
//
// # Supported Commands
//
//   - /model <name>: switch model; resets reasoning/temperature when the
//     target model doesn't support the current values
//   - /temp <0.0-2.0>: set sampling temperature
//   - /reasoning <level>: set reasoning effort
//   - /system <text>: append to the conversation's system prompt
//   - /image <prompt> [model=...] [size=...]: generate an image
//   - /help: show command documentation
//
// # Usage
//
//	in := commands.NewInterpreter(registry)
//	outcome := in.Interpret("/temp 0.4", state)
//	switch outcome.Kind {
//	case commands.NotACommand: // send as chat
//	case commands.Applied:     // apply outcome.Delta
//	case commands.Rejected:    // show outcome.Reason
//	}
package commands
