package models

type RoomSummary struct {
	RoomID   ID     `json:"roomNum"`
	RoomName string `json:"roomName"`
}

type Member struct {
	EmployeeID     ID     `json:"employeeId"`
	Name           string `json:"name"`
	DepartmentName string `json:"departmentName,omitempty"`
	LevelName      string `json:"levelName,omitempty"`
}

// Employee is an invite candidate. The backend returns the same shape it
// uses for room members.
type Employee = Member

// RoomView is one entry of the room list: the room, its latest message and
// its current members.
type RoomView struct {
	RoomSummary
	LastMessage *Message `json:"lastMessage"`
	Members     []Member `json:"roomMembers"`
}

func (v RoomView) MemberCount() int {
	return len(v.Members)
}

// HasMember reports whether employeeID is in the room.
func (v RoomView) HasMember(employeeID ID) bool {
	for _, m := range v.Members {
		if m.EmployeeID == employeeID {
			return true
		}
	}
	return false
}

type SendRequest struct {
	Sender     ID     `json:"sender"`
	RoomID     ID     `json:"roomNum"`
	Text       string `json:"msg"`
	SenderName string `json:"senderName"`
}

type InviteRequest struct {
	RoomID      ID   `json:"roomNum"`
	EmployeeIDs []ID `json:"employeeIds"`
}

type LeaveRequest struct {
	RoomID     ID `json:"roomNum"`
	EmployeeID ID `json:"employeeId"`
}

type ListRoomsRequest struct {
	EmployeeID ID `json:"employeeId"`
}

type CreateRoomRequest struct {
	RoomName    string `json:"roomName"`
	EmployeeIDs []ID   `json:"employeeIds"`
}

type LoginRequest struct {
	EmployeeID ID     `json:"employeeId"`
	Password   string `json:"employeePassword"`
}

type LoginResponse struct {
	EmployeeID ID            `json:"employeeId"`
	Name       string        `json:"name"`
	Department string        `json:"department,omitempty"`
	Level      string        `json:"level,omitempty"`
	Token      string        `json:"token,omitempty"`
	ChatRooms  []RoomSummary `json:"chatRooms"`
	Employees  []Employee    `json:"employees"`
}
