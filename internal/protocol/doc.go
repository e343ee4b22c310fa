// Package protocol defines the fleet control-plane message schema.
//
// # Wire shape
//
// Every message is a single line of UTF-8 text carried in one frame:
//
//	CODE[|field...]
//
// Request and response codes carry a correlation id as their first field.
// Each code has a fixed number of payload fields. For codes marked as
// "tail", the final field takes the remainder of the line verbatim, so free
// text (log lines, variable values) may itself contain the delimiter.
//
//	CHECK_VARIABLE_REQUEST|01J...|TICKET_CODE
//	CHECK_VARIABLE_RESPONSE|01J...|CODE123
//	CLIENT_STATUS_RESPONSE||READY_TO_LOGIN     (unsolicited: empty id)
//	LOG_CLIENT_EVENT|added ticket to basket
//
// Parse rejects unknown codes with ErrUnknownCode and wrong field counts
// with ErrArity. Both are protocol errors: the message is dropped and the
// connection stays open.
package protocol
