package game

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// FrameDuration is the nominal simulation step; velocities are per frame.
	FrameDuration = time.Second / 60

	BallRadius    = 10.0
	PaddleWidth   = 10.0
	PaddleHeight  = 100.0
	PaddleSpeed   = 8.0
	ServeSpeed    = 5.0
	MaxServeSlope = 3.0
	PowerUpRadius = 15.0

	ResetDelay        = time.Second
	PowerUpRespawnMin = 5 * time.Second
	PowerUpRespawnMax = 10 * time.Second

	DefaultWinningScore = 5
)

var ErrInvalidDirection = errors.New("invalid paddle direction")

type Ball struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	Visible bool    `json:"visible"`
}

// Paddle Y is the top edge.
type Paddle struct {
	Y         float64 `json:"y"`
	Direction int     `json:"direction"`
}

type PowerUp struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Active bool    `json:"active"`
}

// Pong is the continuous variant. A owns the left paddle, B the right one.
type Pong struct {
	Width        float64   `json:"width"`
	Height       float64   `json:"height"`
	Speed        float64   `json:"speed"`
	WinningScore int       `json:"winning_score"`
	Ball         Ball      `json:"ball"`
	Paddles      [2]Paddle `json:"paddles"`
	Scores       [2]int    `json:"scores"`
	PowerUp      *PowerUp  `json:"power_up,omitempty"`

	ResumeIn  time.Duration `json:"-"`
	PowerUpIn time.Duration `json:"-"`
}

// StepResult tells the caller what happened during one tick.
type StepResult struct {
	Scored Side
	Winner Side
}

func NewPong(o Options, winningScore int, rng *rand.Rand) *Pong {
	size, ok := maps[o.Map]
	if !ok {
		size = maps["classic"]
	}
	speed := o.Speed
	if speed <= 0 {
		speed = 1
	}
	if winningScore <= 0 {
		winningScore = DefaultWinningScore
	}

	p := &Pong{
		Width:        size[0],
		Height:       size[1],
		Speed:        speed,
		WinningScore: winningScore,
	}
	p.Reset(rng)
	if o.PowerUps {
		p.PowerUp = &PowerUp{Radius: PowerUpRadius}
		p.PowerUpIn = respawnDelay(rng)
	}
	return p
}

func (p *Pong) Kind() Kind { return KindPong }

func (p *Pong) Clone() State {
	cp := *p
	if p.PowerUp != nil {
		pu := *p.PowerUp
		cp.PowerUp = &pu
	}
	return &cp
}

func (p *Pong) isState() {}

// Reset puts paddles and ball back to the kickoff position with scores cleared.
func (p *Pong) Reset(rng *rand.Rand) {
	p.Scores = [2]int{}
	for i := range p.Paddles {
		p.Paddles[i] = Paddle{Y: (p.Height - PaddleHeight) / 2}
	}
	dir := 1.0
	if rng.IntN(2) == 0 {
		dir = -1
	}
	p.serve(dir, rng)
	p.Ball.Visible = true
	p.ResumeIn = 0
	if p.PowerUp != nil {
		p.PowerUp.Active = false
		p.PowerUpIn = respawnDelay(rng)
	}
}

// SetDirection records a paddle intent; it is applied on the next Step.
func (p *Pong) SetDirection(side Side, dir int) error {
	if side != SideA && side != SideB {
		return ErrInvalidDirection
	}
	if dir < -1 || dir > 1 {
		return ErrInvalidDirection
	}
	p.Paddles[side].Direction = dir
	return nil
}

// Step advances the simulation by dt.
func (p *Pong) Step(dt time.Duration, rng *rand.Rand) StepResult {
	res := StepResult{Scored: SideNone, Winner: SideNone}
	if dt <= 0 {
		return res
	}
	f := float64(dt) / float64(FrameDuration)

	for i := range p.Paddles {
		pd := &p.Paddles[i]
		pd.Y = clamp(pd.Y+float64(pd.Direction)*PaddleSpeed*f, 0, p.Height-PaddleHeight)
	}

	if p.PowerUp != nil && !p.PowerUp.Active {
		p.PowerUpIn -= dt
		if p.PowerUpIn <= 0 {
			p.spawnPowerUp(rng)
		}
	}

	if p.ResumeIn > 0 {
		p.ResumeIn -= dt
		if p.ResumeIn <= 0 {
			p.ResumeIn = 0
			p.Ball.Visible = true
		}
		return res
	}

	b := &p.Ball
	prevX := b.X
	b.X += b.VX * p.Speed * f
	b.Y += b.VY * p.Speed * f

	if b.Y-BallRadius < 0 {
		b.Y = BallRadius
		b.VY = math.Abs(b.VY)
	} else if b.Y+BallRadius > p.Height {
		b.Y = p.Height - BallRadius
		b.VY = -math.Abs(b.VY)
	}

	left := p.Paddles[SideA]
	if b.VX < 0 && prevX-BallRadius >= PaddleWidth && b.X-BallRadius <= PaddleWidth && overlaps(b.Y, left.Y) {
		b.VX = math.Abs(b.VX)
		b.X = PaddleWidth + BallRadius
	}
	right := p.Paddles[SideB]
	face := p.Width - PaddleWidth
	if b.VX > 0 && prevX+BallRadius <= face && b.X+BallRadius >= face && overlaps(b.Y, right.Y) {
		b.VX = -math.Abs(b.VX)
		b.X = face - BallRadius
	}

	if pu := p.PowerUp; pu != nil && pu.Active {
		if math.Hypot(b.X-pu.X, b.Y-pu.Y) <= BallRadius+pu.Radius {
			b.VX = -b.VX
			pu.Active = false
			p.PowerUpIn = respawnDelay(rng)
		}
	}

	switch {
	case b.X < 0:
		res.Scored = SideB
	case b.X > p.Width:
		res.Scored = SideA
	default:
		return res
	}

	p.Scores[res.Scored]++
	if p.Scores[res.Scored] >= p.WinningScore {
		res.Winner = res.Scored
		b.Visible = false
		return res
	}

	// the conceding side receives the serve
	dir := 1.0
	if res.Scored == SideB {
		dir = -1
	}
	p.serve(dir, rng)
	b.Visible = false
	p.ResumeIn = ResetDelay
	return res
}

func (p *Pong) serve(dir float64, rng *rand.Rand) {
	vy := 1 + rng.Float64()*(MaxServeSlope-1)
	if rng.IntN(2) == 0 {
		vy = -vy
	}
	p.Ball = Ball{
		X:  p.Width / 2,
		Y:  p.Height / 2,
		VX: dir * ServeSpeed,
		VY: vy,
	}
}

func (p *Pong) spawnPowerUp(rng *rand.Rand) {
	// keep it away from the paddles and the walls
	marginX := p.Width / 4
	marginY := PowerUpRadius * 2
	p.PowerUp.X = marginX + rng.Float64()*(p.Width-2*marginX)
	p.PowerUp.Y = marginY + rng.Float64()*(p.Height-2*marginY)
	p.PowerUp.Active = true
	p.PowerUpIn = 0
}

func respawnDelay(rng *rand.Rand) time.Duration {
	span := int64(PowerUpRespawnMax - PowerUpRespawnMin)
	return PowerUpRespawnMin + time.Duration(rng.Int64N(span+1))
}

func overlaps(ballY, paddleY float64) bool {
	return ballY+BallRadius >= paddleY && ballY-BallRadius <= paddleY+PaddleHeight
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
