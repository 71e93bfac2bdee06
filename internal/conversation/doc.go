// Package conversation orchestrates authenticated chat turns.
//
// # Service
//
//	svc := conversation.New(verifier, store, generator,
//		conversation.WithImagePolicy(policy),
//		conversation.WithLogger(logger))
//
// Operations:
//
//   - SendMessage(ctx, req): text turn
//   - SendImage(ctx, req): image turn, recorded as "[Image] caption"
//   - History(ctx, credential): all of the caller's conversations
//   - Conversation(ctx, credential, id): one conversation, owner only
//   - Subscribe(ctx, credential): live feed of newly recorded messages
//
// # Turn lifecycle
//
// Each turn moves through
//
//	start → authenticated → conversation_resolved → user_message_saved →
//	generated → assistant_message_saved → done
//
// and any failure returns an *apperr.AppError tagged with the last stage
// reached. The user message is recorded before the model is called. The
// reply is recorded on a context detached from the request; if that write
// fails the reply is still returned with HistorySaved set to false.
//
// A conversation id that does not exist is reported exactly like one owned
// by another user.
package conversation
