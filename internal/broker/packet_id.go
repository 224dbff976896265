package broker

import (
	"errors"
	"sync"
)

var ErrPacketIDsExhausted = errors.New("no free packet identifier")

// PacketIDs 为单个会话分配出站报文标识符，不同会话之间互不影响
type PacketIDs struct {
	mu    sync.Mutex
	next  uint16
	inUse map[uint16]struct{}
}

func NewPacketIDs() *PacketIDs {
	return &PacketIDs{
		next:  1, // 起始值为1
		inUse: make(map[uint16]struct{}),
	}
}

// Next 获取下一个未被占用的ID，跳过仍在等待确认的ID
func (p *PacketIDs) Next() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.inUse) >= 65535 {
		return 0, ErrPacketIDsExhausted
	}
	for {
		id := p.next
		p.next++
		if p.next == 0 { // 溢出处理
			p.next = 1
		}
		if _, ok := p.inUse[id]; !ok {
			p.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// Release 释放ID（收到确认后调用），返回该ID之前是否被占用
func (p *PacketIDs) Release(id uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[id]; !ok {
		return false
	}
	delete(p.inUse, id)
	return true
}

func (p *PacketIDs) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
