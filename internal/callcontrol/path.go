package callcontrol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind 实体路径类型
type Kind int

// 定义实体路径类型常量
const (
	KindDN Kind = iota
	KindParticipant
	KindDevice
)

const (
	segmentParticipants = "participants"
	segmentDevices      = "devices"
	rootSegment         = "callcontrol"
)

// Path 解析后的实体路径
type Path struct {
	Kind Kind
	DN   string
	ID   string
}

// ParticipantID 返回参与者路径中的数字ID
func (p Path) ParticipantID() (int, error) {
	if p.Kind != KindParticipant {
		return 0, fmt.Errorf("路径 %s 不是参与者路径", p)
	}
	id, err := strconv.Atoi(p.ID)
	if err != nil {
		return 0, fmt.Errorf("无效的参与者ID: %q", p.ID)
	}
	return id, nil
}

// String 还原为PBX实体路径
func (p Path) String() string {
	switch p.Kind {
	case KindParticipant:
		return fmt.Sprintf("/%s/%s/%s/%s", rootSegment, p.DN, segmentParticipants, p.ID)
	case KindDevice:
		return fmt.Sprintf("/%s/%s/%s/%s", rootSegment, p.DN, segmentDevices, p.ID)
	default:
		return fmt.Sprintf("/%s/%s", rootSegment, p.DN)
	}
}

// ParsePath 解析实体路径，只识别 dn、dn/participants/id、dn/devices/id 三种形式
func ParsePath(entity string) (Path, error) {
	var segs []string
	for _, s := range strings.Split(entity, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) > 0 && segs[0] == rootSegment {
		segs = segs[1:]
	}

	switch len(segs) {
	case 1:
		return Path{Kind: KindDN, DN: segs[0]}, nil
	case 3:
		switch segs[1] {
		case segmentParticipants:
			return Path{Kind: KindParticipant, DN: segs[0], ID: segs[2]}, nil
		case segmentDevices:
			return Path{Kind: KindDevice, DN: segs[0], ID: segs[2]}, nil
		}
	}
	return Path{}, fmt.Errorf("无法识别的实体路径: %q", entity)
}
