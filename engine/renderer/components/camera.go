package components

import (
	"github.com/spaghettifunk/anima-deferred/engine/math"
)

/**
 * @brief Represents the camera a frame is rendered from. The view matrix is
 * rebuilt lazily whenever the position or rotation changed.
 */
type Camera struct {
	/**
	 * @brief The position of this camera.
	 * NOTE: Do not set this directly, use SetPosition() instead
	 * so the view matrix is recalculated when needed.
	 */
	Position math.Vec3
	/**
	 * @brief The rotation of this camera using Euler angles (pitch, yaw, roll).
	 * NOTE: Do not set this directly, use SetEulerRotation() instead.
	 */
	EulerRotation math.Vec3
	/** @brief Vertical field of view in radians. */
	FOV float32
	Near float32
	Far  float32
	/** @brief Internal flag used to determine when the view matrix needs to be rebuilt. */
	IsDirty    bool
	ViewMatrix math.Mat4
}

/** @brief The name of the default camera. */
const DEFAULT_CAMERA_NAME string = "default"

func NewCamera() *Camera {
	camera := &Camera{}
	camera.Reset()
	return camera
}

func (c *Camera) Reset() {
	c.EulerRotation = math.NewVec3Zero()
	c.Position = math.NewVec3Zero()
	c.FOV = math.DegToRad(45)
	c.Near = 0.1
	c.Far = 1000
	c.IsDirty = false
	c.ViewMatrix = math.NewMat4Identity()
}

func (c *Camera) GetPosition() math.Vec3 {
	return c.Position
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.Position = position
	c.IsDirty = true
}

func (c *Camera) GetEulerRotation() math.Vec3 {
	return c.EulerRotation
}

func (c *Camera) SetEulerRotation(rotation math.Vec3) {
	c.EulerRotation = rotation
	c.IsDirty = true
}

func (c *Camera) GetView() math.Mat4 {
	if c.IsDirty {
		rotation := math.NewMat4EulerXYZ(c.EulerRotation.X, c.EulerRotation.Y, c.EulerRotation.Z)
		translation := math.NewMat4Translation(c.Position)

		c.ViewMatrix = rotation.Mul(translation)
		c.ViewMatrix = c.ViewMatrix.Inverse()

		c.IsDirty = false
	}
	return c.ViewMatrix
}

// Projection returns the perspective projection for a target of the given size.
func (c *Camera) Projection(width, height uint32) math.Mat4 {
	aspect := float32(1)
	if height > 0 {
		aspect = float32(width) / float32(height)
	}
	return math.NewMat4Perspective(c.FOV, aspect, c.Near, c.Far)
}

// ViewProjection is the view matrix followed by the projection.
func (c *Camera) ViewProjection(width, height uint32) math.Mat4 {
	return c.GetView().Mul(c.Projection(width, height))
}

func (c *Camera) Forward() math.Vec3 {
	view := c.GetView()
	return view.Forward()
}

func (c *Camera) Backward() math.Vec3 {
	view := c.GetView()
	return view.Backward()
}

func (c *Camera) Left() math.Vec3 {
	view := c.GetView()
	return view.Left()
}

func (c *Camera) Right() math.Vec3 {
	view := c.GetView()
	return view.Right()
}

func (c *Camera) move(direction math.Vec3, amount float32) {
	c.Position = c.Position.Add(direction.MulScalar(amount))
	c.IsDirty = true
}

func (c *Camera) MoveForward(amount float32) {
	c.move(c.Forward(), amount)
}

func (c *Camera) MoveBackward(amount float32) {
	c.move(c.Backward(), amount)
}

func (c *Camera) MoveLeft(amount float32) {
	c.move(c.Left(), amount)
}

func (c *Camera) MoveRight(amount float32) {
	c.move(c.Right(), amount)
}

func (c *Camera) MoveUp(amount float32) {
	c.move(math.NewVec3Up(), amount)
}

func (c *Camera) MoveDown(amount float32) {
	c.move(math.NewVec3Down(), amount)
}

func (c *Camera) Yaw(amount float32) {
	c.EulerRotation.Y += amount
	c.IsDirty = true
}

func (c *Camera) Pitch(amount float32) {
	c.EulerRotation.X += amount

	// Clamp to avoid Gimbal lock.
	limit := float32(1.55334306) // 89 degrees
	c.EulerRotation.X = math.Clamp(c.EulerRotation.X, -limit, limit)

	c.IsDirty = true
}
