package siegenia

import "context"

// loginCommand builds the login command object.
// Credentials travel as top-level fields, not params.
func loginCommand(username, password string) Document {
	return Document{
		keyCommand:  CommandLogin,
		"user":      username,
		"password":  password,
		"long_life": false,
	}
}

// Login re-authenticates the current session and returns the login data.
// Connect already logs in; this is only needed to refresh a session token.
func (c *Client) Login(ctx context.Context) (Document, error) {
	data, err := c.sendCommand(ctx, loginCommand(c.cfg.Username, c.cfg.Password), nil)
	if err != nil {
		return nil, err
	}
	doc := AsDocument(data)
	if token := doc.String("token"); token != "" {
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}
	return doc, nil
}

// KeepAlive extends the device session.
func (c *Client) KeepAlive(ctx context.Context) error {
	_, err := c.Send(ctx, CommandKeepAlive, keepAliveParams())
	return err
}

// GetDevice returns device information (model, firmware, system name).
func (c *Client) GetDevice(ctx context.Context) (Document, error) {
	return c.document(ctx, CommandGetDevice, nil)
}

// GetDeviceState returns the live sensor and actuator state.
func (c *Client) GetDeviceState(ctx context.Context) (Document, error) {
	return c.document(ctx, CommandGetDeviceState, nil)
}

// GetDeviceParams returns the configurable parameters.
func (c *Client) GetDeviceParams(ctx context.Context) (Document, error) {
	return c.document(ctx, CommandGetDeviceParams, nil)
}

// SetDeviceParams writes params. The map is sent as-is; the device decides
// which keys it accepts.
func (c *Client) SetDeviceParams(ctx context.Context, params Document) (Document, error) {
	if params == nil {
		params = Document{}
	}
	return c.document(ctx, CommandSetDeviceParams, params)
}

// RebootDevice restarts the controller.
func (c *Client) RebootDevice(ctx context.Context) error {
	_, err := c.Send(ctx, CommandRebootDevice, nil)
	return err
}

// ResetDevice restores factory settings.
func (c *Client) ResetDevice(ctx context.Context) error {
	_, err := c.Send(ctx, CommandResetDevice, nil)
	return err
}

// RenewCert asks the device to regenerate its TLS certificate.
func (c *Client) RenewCert(ctx context.Context) error {
	_, err := c.Send(ctx, CommandRenewCert, nil)
	return err
}

func (c *Client) document(ctx context.Context, command string, params Document) (Document, error) {
	data, err := c.Send(ctx, command, params)
	if err != nil {
		return nil, err
	}
	return AsDocument(data), nil
}
