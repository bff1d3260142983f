package proto

// OK builds a successful Response for id carrying result.
func OK(id string, result any) Response {
	return Response{ID: id, OK: true, Result: MarshalResult(result)}
}

// Err builds a failed Response for id with the given taxonomy code.
func Err(id, code, message string) Response {
	return Response{ID: id, OK: false, Error: &ErrorBody{Code: code, Message: message}}
}
