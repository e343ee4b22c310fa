// ABOUTME: Well-known payload values: agent statuses, variable names, results, server status
// ABOUTME: Unknown statuses and variable names are accepted verbatim for forward compatibility

package protocol

// Status is an agent's self-reported workflow state. Values outside the
// known set are carried as opaque strings.
type Status string

const (
	StatusInactive            Status = "INACTIVE"
	StatusWaitingForVariables Status = "WAITING_FOR_VARIABLES"
	StatusError               Status = "ERROR"
	StatusReadyToLogin        Status = "READY_TO_LOGIN"
	StatusReadyToBuy          Status = "READY_TO_BUY"
	StatusFinished            Status = "FINISHED"
)

// Known reports whether s is one of the statuses defined by the protocol.
func (s Status) Known() bool {
	switch s {
	case StatusInactive, StatusWaitingForVariables, StatusError,
		StatusReadyToLogin, StatusReadyToBuy, StatusFinished:
		return true
	}
	return false
}

// Well-known agent variable names.
const (
	VarBotID           = "BOT_ID"
	VarTicketText      = "TICKET_TEXT"
	VarTicketCode      = "TICKET_CODE"
	VarTicketURL       = "TICKET_URL"
	VarAccountEmail    = "ACCOUNT_EMAIL"
	VarAccountPassword = "ACCOUNT_PASSWORD"
)

// VariableNames lists the well-known variables in display order.
var VariableNames = []string{
	VarBotID,
	VarTicketText,
	VarTicketCode,
	VarTicketURL,
	VarAccountEmail,
	VarAccountPassword,
}

// DefaultVariables returns a fresh variable set with every well-known key
// set to None.
func DefaultVariables() map[string]string {
	vars := make(map[string]string, len(VariableNames))
	for _, name := range VariableNames {
		vars[name] = None
	}
	return vars
}

// Result values carried by CHANGE_VARIABLE_RESPONSE and REPORT_CLIENT_FINISH.
const (
	ResultSuccess = "SUCCESS"
	ResultFail    = "FAIL"
)

// ServerStatus is the hub's operator-controlled activity flag.
type ServerStatus string

const (
	ServerActive   ServerStatus = "ACTIVE"
	ServerInactive ServerStatus = "INACTIVE"
)

// Toggle returns the opposite status.
func (s ServerStatus) Toggle() ServerStatus {
	if s == ServerActive {
		return ServerInactive
	}
	return ServerActive
}
