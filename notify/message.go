package notify

const (
	SubjectCombined = "Accident & Crime Alert"
	SubjectAccident = "Accident Alert"
	SubjectCrime    = "Crime Alert"

	MsgCombined = "🚨 Accident and 🔫 Crime Detected together! Immediate attention required!"
	MsgAccident = "🚨 Accident Detected. Immediate attention required!"
	MsgCrime    = "🔫 Crime Detected (Theft/Robbery/Violence)!"
)

type Message struct {
	Subject string
	Body    string
}

// Compose picks the alert for a detection outcome. ok is false when nothing
// was detected and no mail should go out.
func Compose(accident, theft bool) (msg Message, ok bool) {
	switch {
	case accident && theft:
		return Message{Subject: SubjectCombined, Body: MsgCombined}, true
	case accident:
		return Message{Subject: SubjectAccident, Body: MsgAccident}, true
	case theft:
		return Message{Subject: SubjectCrime, Body: MsgCrime}, true
	default:
		return Message{}, false
	}
}
