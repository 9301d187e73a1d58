package common

// Command is an operator request addressed to one charge point.
type Command struct {
	Action        string      `json:"action" validate:"required"`
	ChargePointId string      `json:"chargePointId" validate:"required"`
	Payload       interface{} `json:"payload"`
}

// Response is the reply to a Command. Exactly one of Payload or Err is set.
type Response struct {
	Payload interface{} `json:"payload,omitempty"`
	Err     *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
