package collab

import (
	"fmt"
	"time"
)

type ShapeType string

const (
	ShapeTypeRectangle ShapeType = "rectangle"
	ShapeTypeCircle    ShapeType = "circle"
	ShapeTypeTriangle  ShapeType = "triangle"
)

func (self ShapeType) Valid() bool {
	switch self {
	case ShapeTypeRectangle, ShapeTypeCircle, ShapeTypeTriangle:
		return true
	default:
		return false
	}
}

// Shape is a persisted canvas object. The schema is strict: the wire boundary
// decoder rejects unknown fields rather than passing them through.
type Shape struct {
	Id string `json:"id"`

	Type   ShapeType `json:"type"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Width  float64   `json:"width"`
	Height float64   `json:"height"`

	Fill      string  `json:"fill"`
	Text      string  `json:"text,omitempty"`
	TextColor string  `json:"textColor,omitempty"`
	FontSize  float64 `json:"fontSize,omitempty"`

	// advisory lock fields. holder display fields are denormalized
	IsLocked      bool   `json:"isLocked"`
	LockedBy      string `json:"lockedBy,omitempty"`
	LockedByName  string `json:"lockedByName,omitempty"`
	LockedByColor string `json:"lockedByColor,omitempty"`

	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedBy string    `json:"lastModifiedBy,omitempty"`
	LastModifiedAt time.Time `json:"lastModifiedAt,omitempty"`
}

func (self *Shape) Validate() error {
	if self.Id == "" {
		return fmt.Errorf("shape missing id")
	}
	if !self.Type.Valid() {
		return fmt.Errorf("unknown shape type: %q", self.Type)
	}
	if self.Width <= 0 || self.Height <= 0 {
		return fmt.Errorf("shape %s dimensions must be positive: %vx%v", self.Id, self.Width, self.Height)
	}
	if self.IsLocked != (self.LockedBy != "") {
		return fmt.Errorf("shape %s lock fields inconsistent: isLocked=%t lockedBy=%q", self.Id, self.IsLocked, self.LockedBy)
	}
	return nil
}

func (self *Shape) Copy() *Shape {
	copy := *self
	return &copy
}

// ShapeFields is a partial update of a shape. nil means unchanged.
type ShapeFields struct {
	Type   *ShapeType `json:"type,omitempty"`
	X      *float64   `json:"x,omitempty"`
	Y      *float64   `json:"y,omitempty"`
	Width  *float64   `json:"width,omitempty"`
	Height *float64   `json:"height,omitempty"`

	Fill      *string  `json:"fill,omitempty"`
	Text      *string  `json:"text,omitempty"`
	TextColor *string  `json:"textColor,omitempty"`
	FontSize  *float64 `json:"fontSize,omitempty"`

	IsLocked      *bool   `json:"isLocked,omitempty"`
	LockedBy      *string `json:"lockedBy,omitempty"`
	LockedByName  *string `json:"lockedByName,omitempty"`
	LockedByColor *string `json:"lockedByColor,omitempty"`

	LastModifiedBy *string    `json:"lastModifiedBy,omitempty"`
	LastModifiedAt *time.Time `json:"lastModifiedAt,omitempty"`
}

func (self *ShapeFields) Copy() *ShapeFields {
	copy := *self
	return &copy
}

// Merge overlays `later` on top of self. Fields not set in `later` retain
// the earlier values (shallow merge, not replace).
func (self *ShapeFields) Merge(later *ShapeFields) {
	if later.Type != nil {
		self.Type = later.Type
	}
	if later.X != nil {
		self.X = later.X
	}
	if later.Y != nil {
		self.Y = later.Y
	}
	if later.Width != nil {
		self.Width = later.Width
	}
	if later.Height != nil {
		self.Height = later.Height
	}
	if later.Fill != nil {
		self.Fill = later.Fill
	}
	if later.Text != nil {
		self.Text = later.Text
	}
	if later.TextColor != nil {
		self.TextColor = later.TextColor
	}
	if later.FontSize != nil {
		self.FontSize = later.FontSize
	}
	if later.IsLocked != nil {
		self.IsLocked = later.IsLocked
	}
	if later.LockedBy != nil {
		self.LockedBy = later.LockedBy
	}
	if later.LockedByName != nil {
		self.LockedByName = later.LockedByName
	}
	if later.LockedByColor != nil {
		self.LockedByColor = later.LockedByColor
	}
	if later.LastModifiedBy != nil {
		self.LastModifiedBy = later.LastModifiedBy
	}
	if later.LastModifiedAt != nil {
		self.LastModifiedAt = later.LastModifiedAt
	}
}

func (self *ShapeFields) ApplyTo(shape *Shape) {
	if self.Type != nil {
		shape.Type = *self.Type
	}
	if self.X != nil {
		shape.X = *self.X
	}
	if self.Y != nil {
		shape.Y = *self.Y
	}
	if self.Width != nil {
		shape.Width = *self.Width
	}
	if self.Height != nil {
		shape.Height = *self.Height
	}
	if self.Fill != nil {
		shape.Fill = *self.Fill
	}
	if self.Text != nil {
		shape.Text = *self.Text
	}
	if self.TextColor != nil {
		shape.TextColor = *self.TextColor
	}
	if self.FontSize != nil {
		shape.FontSize = *self.FontSize
	}
	if self.IsLocked != nil {
		shape.IsLocked = *self.IsLocked
	}
	if self.LockedBy != nil {
		shape.LockedBy = *self.LockedBy
	}
	if self.LockedByName != nil {
		shape.LockedByName = *self.LockedByName
	}
	if self.LockedByColor != nil {
		shape.LockedByColor = *self.LockedByColor
	}
	if self.LastModifiedBy != nil {
		shape.LastModifiedBy = *self.LastModifiedBy
	}
	if self.LastModifiedAt != nil {
		shape.LastModifiedAt = *self.LastModifiedAt
	}
}

// FieldsFromShape captures the current values of the fields set in `fields`,
// for inverting an update.
func FieldsFromShape(shape *Shape, fields *ShapeFields) *ShapeFields {
	before := &ShapeFields{}
	if fields.Type != nil {
		before.Type = Ptr(shape.Type)
	}
	if fields.X != nil {
		before.X = Ptr(shape.X)
	}
	if fields.Y != nil {
		before.Y = Ptr(shape.Y)
	}
	if fields.Width != nil {
		before.Width = Ptr(shape.Width)
	}
	if fields.Height != nil {
		before.Height = Ptr(shape.Height)
	}
	if fields.Fill != nil {
		before.Fill = Ptr(shape.Fill)
	}
	if fields.Text != nil {
		before.Text = Ptr(shape.Text)
	}
	if fields.TextColor != nil {
		before.TextColor = Ptr(shape.TextColor)
	}
	if fields.FontSize != nil {
		before.FontSize = Ptr(shape.FontSize)
	}
	if fields.IsLocked != nil {
		before.IsLocked = Ptr(shape.IsLocked)
	}
	if fields.LockedBy != nil {
		before.LockedBy = Ptr(shape.LockedBy)
	}
	if fields.LockedByName != nil {
		before.LockedByName = Ptr(shape.LockedByName)
	}
	if fields.LockedByColor != nil {
		before.LockedByColor = Ptr(shape.LockedByColor)
	}
	if fields.LastModifiedBy != nil {
		before.LastModifiedBy = Ptr(shape.LastModifiedBy)
	}
	if fields.LastModifiedAt != nil {
		before.LastModifiedAt = Ptr(shape.LastModifiedAt)
	}
	return before
}

// DecodeShapeFields converts a json-decoded object into a partial update.
// Unknown fields are rejected at the boundary. Provenance fields (id,
// createdBy, createdAt) are immutable and also rejected.
func DecodeShapeFields(raw map[string]any) (*ShapeFields, error) {
	fields := &ShapeFields{}
	for key, value := range raw {
		switch key {
		case "type":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			shapeType := ShapeType(str)
			if !shapeType.Valid() {
				return nil, fmt.Errorf("unknown shape type: %q", str)
			}
			fields.Type = &shapeType
		case "x":
			number, err := decodeNumber(key, value)
			if err != nil {
				return nil, err
			}
			fields.X = &number
		case "y":
			number, err := decodeNumber(key, value)
			if err != nil {
				return nil, err
			}
			fields.Y = &number
		case "width":
			number, err := decodeNumber(key, value)
			if err != nil {
				return nil, err
			}
			if number <= 0 {
				return nil, fmt.Errorf("width must be positive: %v", number)
			}
			fields.Width = &number
		case "height":
			number, err := decodeNumber(key, value)
			if err != nil {
				return nil, err
			}
			if number <= 0 {
				return nil, fmt.Errorf("height must be positive: %v", number)
			}
			fields.Height = &number
		case "fill":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			fields.Fill = &str
		case "text":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			fields.Text = &str
		case "textColor":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			fields.TextColor = &str
		case "fontSize":
			number, err := decodeNumber(key, value)
			if err != nil {
				return nil, err
			}
			fields.FontSize = &number
		case "isLocked":
			b, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("field %q must be a bool", key)
			}
			fields.IsLocked = &b
		case "lockedBy":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			fields.LockedBy = &str
		case "lockedByName":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			fields.LockedByName = &str
		case "lockedByColor":
			str, err := decodeString(key, value)
			if err != nil {
				return nil, err
			}
			fields.LockedByColor = &str
		case "id", "createdBy", "createdAt":
			return nil, fmt.Errorf("field %q is immutable", key)
		default:
			return nil, fmt.Errorf("unknown shape field: %q", key)
		}
	}
	return fields, nil
}

func decodeString(key string, value any) (string, error) {
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return str, nil
}

func decodeNumber(key string, value any) (float64, error) {
	switch number := value.(type) {
	case float64:
		return number, nil
	case int:
		return float64(number), nil
	default:
		return 0, fmt.Errorf("field %q must be a number", key)
	}
}
